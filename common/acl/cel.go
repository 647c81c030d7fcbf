package acl

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/lyzr/buildqueue/common/identity"
)

// CELAccess evaluates per-bucket access rules written in CEL (Common
// Expression Language). Each bucket's rule is an expression over the caller's
// identity and the requested action, e.g.
//
//	identity_kind == "service" || (action == "view_build" && identity.endsWith("@example.com"))
//
// Rules are compiled once at construction. A bucket with no rule denies
// everything.
type CELAccess struct {
	programs map[string]cel.Program
	buckets  []string
}

// NewCELAccess compiles the bucket -> expression rule set.
func NewCELAccess(rules map[string]string) (*CELAccess, error) {
	env, err := cel.NewEnv(
		cel.Variable("identity", cel.StringType),
		cel.Variable("identity_kind", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("bucket", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	a := &CELAccess{
		programs: make(map[string]cel.Program, len(rules)),
	}

	for bucket, expr := range rules {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule for bucket %q: %w", bucket, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program rule for bucket %q: %w", bucket, err)
		}
		a.programs[bucket] = prg
		a.buckets = append(a.buckets, bucket)
	}
	sort.Strings(a.buckets)

	return a, nil
}

// Can reports whether id may perform action in bucket.
func (a *CELAccess) Can(ctx context.Context, id identity.Identity, action Action, bucket string) (bool, error) {
	prg, ok := a.programs[bucket]
	if !ok {
		return false, nil
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"identity":      string(id),
		"identity_kind": id.Kind(),
		"action":        string(action),
		"bucket":        bucket,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for bucket %q: %w", bucket, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule for bucket %q did not return boolean, got %T", bucket, out.Value())
	}

	return result, nil
}

// AvailableBuckets returns the configured buckets id may search.
// The result is never nil: a CEL rule set is always a closed world.
func (a *CELAccess) AvailableBuckets(ctx context.Context, id identity.Identity) ([]string, error) {
	available := []string{}
	for _, bucket := range a.buckets {
		ok, err := a.Can(ctx, id, ActionSearchBuilds, bucket)
		if err != nil {
			return nil, err
		}
		if ok {
			available = append(available, bucket)
		}
	}
	return available, nil
}
