package container

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lyzr/buildqueue/cmd/buildqueue/service"
	"github.com/lyzr/buildqueue/common/acl"
	"github.com/lyzr/buildqueue/common/bootstrap"
	"github.com/lyzr/buildqueue/common/metrics"
	"github.com/lyzr/buildqueue/common/ratelimit"
	"github.com/lyzr/buildqueue/common/repository"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	// Repositories
	BuildRepo    *repository.BuildRepository
	TagIndexRepo *repository.TagIndexRepository

	// Services
	Access       acl.Access
	Limiter      *ratelimit.Limiter
	BuildService *service.BuildService
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	buildRepo := repository.NewBuildRepository(components.DB)
	tagIndexRepo := repository.NewTagIndexRepository(components.DB, components.Logger)

	access, err := loadAccess(components)
	if err != nil {
		return nil, fmt.Errorf("failed to load access rules: %w", err)
	}

	var notifier service.Notifier
	var recorder metrics.Recorder
	var limiter *ratelimit.Limiter
	if components.Redis != nil {
		notifier = service.NewStreamNotifier(components.Redis, service.CompletionStream)
		recorder = metrics.NewRedisRecorder(components.Redis, components.Logger)
		limiter = ratelimit.NewLimiter(components.Redis.GetUnderlying(), components.Logger)
	}

	buildService := service.NewBuildService(&service.BuildServiceOpts{
		Store:     buildRepo,
		TagIndex:  tagIndexRepo,
		Access:    access,
		Cache:     components.Cache,
		Notifier:  notifier,
		Metrics:   recorder,
		Logger:    components.Logger,
		Limiter:   limiter,
		RateLimit: components.Config.RateLimit,
		Lease:     components.Config.Lease,
		Sweeper:   components.Config.Sweeper,
		DedupTTL:  components.Config.Cache.DedupTTL,
	})

	return &Container{
		Components:   components,
		BuildRepo:    buildRepo,
		TagIndexRepo: tagIndexRepo,
		Access:       access,
		Limiter:      limiter,
		BuildService: buildService,
	}, nil
}

// loadAccess builds the Access implementation from config: a CEL rule set
// when a rules file is configured, allow-all otherwise.
func loadAccess(components *bootstrap.Components) (acl.Access, error) {
	path := components.Config.ACL.RulesFile
	if path == "" {
		components.Logger.Warn("no ACL rules file configured, running allow-all")
		return acl.Static{Allow: true}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var rules map[string]string
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	access, err := acl.NewCELAccess(rules)
	if err != nil {
		return nil, err
	}

	components.Logger.Info("loaded ACL rules", "buckets", len(rules), "file", path)
	return access, nil
}
