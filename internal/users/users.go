// Package users keeps identity-provider backed profiles and builds request sessions.
package users

import (
	"context"
	"errors"
	"strings"

	"messmeal/internal/auth"
	"messmeal/internal/model"
	"messmeal/internal/store"
)

// ErrUnknownUser is returned when a token names a subject with no profile.
var ErrUnknownUser = errors.New("unknown user")

// Service manages profiles.
type Service struct {
	profiles    store.ProfileStore
	adminEmails map[string]bool
}

// NewService creates a service. Users signing in with one of adminEmails become admins.
func NewService(profiles store.ProfileStore, adminEmails []string) *Service {
	admins := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			admins[e] = true
		}
	}
	return &Service{profiles: profiles, adminEmails: admins}
}

// SignIn records a successful provider sign-in. Existing admin status and creation time
// are preserved.
func (s *Service) SignIn(ctx context.Context, id auth.Identity) (model.UserProfile, error) {
	if id.Subject == "" {
		return model.UserProfile{}, errors.New("identity has no subject")
	}
	return s.profiles.UpsertProfile(ctx, model.UserProfile{
		ID:      id.Subject,
		Name:    id.Name,
		Email:   id.Email,
		IsAdmin: s.adminEmails[strings.ToLower(id.Email)],
	})
}

// Profile returns the profile of id.
func (s *Service) Profile(ctx context.Context, id string) (model.UserProfile, error) {
	p, err := s.profiles.GetProfile(ctx, id)
	if err != nil {
		return model.UserProfile{}, err
	}
	if p == nil {
		return model.UserProfile{}, ErrUnknownUser
	}
	return *p, nil
}

// Session builds the per-request session of principal. A principal whose profile is
// gone still gets a non-admin session.
func (s *Service) Session(ctx context.Context, principal model.Principal) (*model.Session, error) {
	sess := &model.Session{User: principal}
	if principal.ID == "" {
		return sess, nil
	}
	p, err := s.profiles.GetProfile(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		sess.IsAdmin = p.IsAdmin
		if sess.User.DisplayName == "" {
			sess.User.DisplayName = p.Name
		}
	}
	return sess, nil
}
