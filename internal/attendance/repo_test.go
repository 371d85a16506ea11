package attendance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListQueryFilters(t *testing.T) {
	q, args := listQuery("", "", 50, 0)
	assert.NotContains(t, q, "WHERE")
	assert.Contains(t, q, "LIMIT $1 OFFSET $2")
	assert.Equal(t, []any{50, 0}, args)

	q, args = listQuery("2025-01-01", "userA", 10, 20)
	assert.Contains(t, q, "WHERE date = $1 AND user_id = $2")
	assert.Contains(t, q, "LIMIT $3 OFFSET $4")
	assert.Equal(t, []any{"2025-01-01", "userA", 10, 20}, args)

	q, args = listQuery("", "userB", 5, 0)
	assert.Contains(t, q, "WHERE user_id = $1")
	assert.Equal(t, []any{"userB", 5, 0}, args)
}
