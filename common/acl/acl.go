package acl

import (
	"context"

	"github.com/lyzr/buildqueue/common/identity"
)

// Action names one access-controlled operation on a bucket or its builds.
type Action string

const (
	ActionAddBuild     Action = "add_build"
	ActionViewBuild    Action = "view_build"
	ActionLeaseBuild   Action = "lease_build"
	ActionResetBuild   Action = "reset_build"
	ActionCancelBuild  Action = "cancel_build"
	ActionSearchBuilds Action = "search_builds"
)

// Access answers authorization questions. The engine treats it as an external
// collaborator: permission failures are surfaced verbatim, never downgraded.
type Access interface {
	// Can reports whether id may perform action in bucket.
	Can(ctx context.Context, id identity.Identity, action Action, bucket string) (bool, error)

	// AvailableBuckets returns the buckets id may search. A nil slice means
	// unrestricted; an empty non-nil slice means no buckets at all.
	AvailableBuckets(ctx context.Context, id identity.Identity) ([]string, error)
}

// Static is a fixed-answer Access for tests and single-tenant deployments.
type Static struct {
	Allow bool
}

func (s Static) Can(ctx context.Context, id identity.Identity, action Action, bucket string) (bool, error) {
	return s.Allow, nil
}

func (s Static) AvailableBuckets(ctx context.Context, id identity.Identity) ([]string, error) {
	if s.Allow {
		return nil, nil
	}
	return []string{}, nil
}
