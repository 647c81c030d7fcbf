package identity

import (
	"context"
	"fmt"
	"strings"
)

// Identity is a caller identity in "kind:name" form, e.g. "user:alice@example.com"
// or "service:ci-scheduler". Anonymous callers are represented explicitly so
// audit fields are never empty.
type Identity string

const Anonymous Identity = "anonymous:anonymous"

var validKinds = map[string]bool{
	"user":      true,
	"service":   true,
	"bot":       true,
	"anonymous": true,
}

// Parse validates and returns an identity from its string form.
func Parse(s string) (Identity, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return "", fmt.Errorf("identity %q is not in kind:name form", s)
	}
	if !validKinds[kind] {
		return "", fmt.Errorf("unknown identity kind %q", kind)
	}
	return Identity(s), nil
}

// Kind returns the part before the colon.
func (id Identity) Kind() string {
	kind, _, _ := strings.Cut(string(id), ":")
	return kind
}

// Name returns the part after the colon.
func (id Identity) Name() string {
	_, name, _ := strings.Cut(string(id), ":")
	return name
}

type contextKey struct{}

// WithIdentity returns a context carrying the caller identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the caller identity, or Anonymous if none was attached.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(contextKey{}).(Identity); ok {
		return id
	}
	return Anonymous
}
