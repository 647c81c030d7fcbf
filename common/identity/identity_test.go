package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	id, err := Parse("user:alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user", id.Kind())
	assert.Equal(t, "alice@example.com", id.Name())

	for _, bad := range []string{"", "alice", "user:", "martian:bob"} {
		_, err := Parse(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Anonymous, FromContext(ctx))

	id := Identity("service:sweeper")
	assert.Equal(t, id, FromContext(WithIdentity(ctx, id)))
}
