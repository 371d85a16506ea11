package attendance

import "errors"

var (
	// ErrPolicyViolation: the change window for today has closed.
	ErrPolicyViolation = errors.New("selection changes are closed for today")
	// ErrTransientStore: the store failed or ran out of conflict retries; the aggregate is unchanged.
	ErrTransientStore = errors.New("attendance store unavailable")
	// ErrAuthenticationRequired: no signed-in principal.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrInvalidSelection: malformed date, slot or user.
	ErrInvalidSelection = errors.New("invalid selection")
	// ErrAdminRequired: the caller is not an administrator.
	ErrAdminRequired = errors.New("administrator access required")
)

// Kind names the error class of err for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, ErrAuthenticationRequired):
		return "authentication_required"
	case errors.Is(err, ErrInvalidSelection):
		return "invalid_selection"
	case errors.Is(err, ErrAdminRequired):
		return "admin_required"
	case errors.Is(err, ErrTransientStore):
		return "transient_store"
	}
	return "unknown"
}
