// Package alloc is the boundary to resource allocation. The engine asks an
// Allocator for a resource before running a task that declares an
// allocation policy, retrying unavailability with exponential backoff.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrResourceUnavailable is returned by an Allocator when no resource can
// serve the request right now. Only this error is retried.
var ErrResourceUnavailable = errors.New("resource unavailable")

// Request asks for a resource able to run one task.
type Request struct {
	InstanceID           string
	TaskID               string
	RequiredRoles        []string
	RequiredCapabilities []string
}

// Handle identifies an allocated resource.
type Handle struct {
	Resource string
}

// Allocator hands out resources.
type Allocator interface {
	Allocate(ctx context.Context, req Request) (Handle, error)
	// RetryLimit bounds how many times an unavailable request is retried.
	RetryLimit() uint64
}

// Releaser is implemented by allocators whose resources must be handed back
// once the task that held them leaves the executing state.
type Releaser interface {
	Release(h Handle)
}

// Backoff configures the retry schedule of Acquire.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultBackoff is used when the zero Backoff is passed.
var DefaultBackoff = Backoff{
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     time.Second,
}

// Acquire allocates through a, retrying ErrResourceUnavailable up to
// a.RetryLimit() times. Any other error stops immediately.
func Acquire(ctx context.Context, a Allocator, req Request, cfg Backoff, logger *slog.Logger) (Handle, error) {
	if cfg.InitialInterval <= 0 {
		cfg = DefaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.MaxInterval = cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, a.RetryLimit()), ctx)

	attempt := 0
	h, err := backoff.RetryNotifyWithData(func() (Handle, error) {
		attempt++
		h, err := a.Allocate(ctx, req)
		if err != nil && !errors.Is(err, ErrResourceUnavailable) {
			return Handle{}, backoff.Permanent(err)
		}
		return h, err
	}, policy, func(err error, wait time.Duration) {
		logger.Debug("allocation retry",
			"task_id", req.TaskID,
			"instance_id", req.InstanceID,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	})
	if err != nil {
		return Handle{}, fmt.Errorf("allocate %s after %d attempts: %w", req.TaskID, attempt, err)
	}
	return h, nil
}

// Resource is a member of a Pool.
type Resource struct {
	ID           string   `yaml:"id"`
	Roles        []string `yaml:"roles"`
	Capabilities []string `yaml:"capabilities"`
}

// Pool is a first-fit Allocator over a fixed set of resources. A resource
// serves one task at a time until released.
type Pool struct {
	mu        sync.Mutex
	resources []Resource
	busy      map[string]bool
	retries   uint64
}

// NewPool creates a pool whose requests are retried up to retries times.
func NewPool(retries uint64, resources ...Resource) *Pool {
	return &Pool{
		resources: resources,
		busy:      make(map[string]bool),
		retries:   retries,
	}
}

// Allocate returns the first idle resource holding every required role and
// capability.
func (p *Pool) Allocate(_ context.Context, req Request) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.resources {
		if p.busy[r.ID] || !containsAll(r.Roles, req.RequiredRoles) || !containsAll(r.Capabilities, req.RequiredCapabilities) {
			continue
		}
		p.busy[r.ID] = true
		return Handle{Resource: r.ID}, nil
	}
	return Handle{}, ErrResourceUnavailable
}

// Release returns a resource to the pool.
func (p *Pool) Release(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, h.Resource)
}

// RetryLimit implements Allocator.
func (p *Pool) RetryLimit() uint64 {
	return p.retries
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
