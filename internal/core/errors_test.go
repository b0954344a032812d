package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorChainKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.4:5432: connection refused")
	err := Wrap(KindUnavailable, "budget counter unreachable", cause)

	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.True(t, errors.Is(err, cause), "wrapped cause must stay reachable")
	assert.Contains(t, err.Error(), "UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	inner := NewError(KindBudgetExceeded, "daily budget exhausted")
	outer := fmt.Errorf("pipeline: reserve: %w", inner)

	assert.Equal(t, KindBudgetExceeded, KindOf(outer))
	assert.True(t, IsKind(outer, KindBudgetExceeded))
	assert.Equal(t, "daily budget exhausted", DetailOf(outer))
}

func TestDetailOfHidesUnclassifiedErrors(t *testing.T) {
	err := errors.New("pq: password authentication failed for user \"gateway\"")
	assert.Equal(t, "internal error", DetailOf(err), "raw causes must never reach a client")
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestKindStrings(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindAuthMissing, "AUTH_MISSING"},
		{KindAuthInvalid, "AUTH_INVALID"},
		{KindForbidden, "FORBIDDEN"},
		{KindBudgetExceeded, "BUDGET_EXCEEDED"},
		{KindLockConflict, "LOCK_CONFLICT"},
		{KindConflict, "CONFLICT"},
		{KindUnavailable, "UNAVAILABLE"},
		{KindUpstream, "UPSTREAM"},
		{KindInternal, "INTERNAL"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestPrincipalEntitlements(t *testing.T) {
	p := &Principal{
		UserID:   "7f9c0e4a-5a1b-4f5e-9d2c-1b3a5c7e9f01",
		Email:    "dev@example.com",
		Groups:   []string{"eng-platform"},
		Projects: []string{"proj-atlas", "proj-borealis"},
		Roles:    []Role{RoleDeveloper},
	}

	require.True(t, p.HasRole(RoleDeveloper))
	assert.False(t, p.HasRole(RoleManager))
	assert.True(t, p.HasProject("proj-atlas"))
	assert.False(t, p.HasProject("proj-zephyr"))
}
