package acl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/buildqueue/common/identity"
)

func TestCELAccess_Rules(t *testing.T) {
	access, err := NewCELAccess(map[string]string{
		"ci":  `identity_kind == "service" || action == "search_builds"`,
		"try": `identity == "user:alice@example.com"`,
	})
	require.NoError(t, err)

	ctx := context.Background()
	alice := identity.Identity("user:alice@example.com")
	ciBot := identity.Identity("service:ci-scheduler")

	ok, err := access.Can(ctx, ciBot, ActionAddBuild, "ci")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = access.Can(ctx, alice, ActionAddBuild, "ci")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = access.Can(ctx, alice, ActionSearchBuilds, "ci")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = access.Can(ctx, alice, ActionLeaseBuild, "try")
	require.NoError(t, err)
	assert.True(t, ok)

	// A bucket with no rule denies everything.
	ok, err = access.Can(ctx, ciBot, ActionAddBuild, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELAccess_AvailableBuckets(t *testing.T) {
	access, err := NewCELAccess(map[string]string{
		"ci":     `true`,
		"try":    `identity_kind == "service"`,
		"secret": `false`,
	})
	require.NoError(t, err)

	ctx := context.Background()

	buckets, err := access.AvailableBuckets(ctx, identity.Identity("service:bot"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ci", "try"}, buckets)

	buckets, err = access.AvailableBuckets(ctx, identity.Identity("user:alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ci"}, buckets)

	// Never nil, even when nothing is visible.
	empty, err := NewCELAccess(nil)
	require.NoError(t, err)
	buckets, err = empty.AvailableBuckets(ctx, identity.Identity("user:alice"))
	require.NoError(t, err)
	require.NotNil(t, buckets)
	assert.Empty(t, buckets)
}

func TestCELAccess_CompileError(t *testing.T) {
	_, err := NewCELAccess(map[string]string{"ci": `this is not CEL ((`})
	assert.Error(t, err)
}
