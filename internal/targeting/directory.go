// Package targeting resolves a Broadcast's target type into the concrete
// user-id set that the delivery pipeline materializes UserBroadcast rows
// for (C5).
package targeting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/broadcasthub/platform/pkg/client/rest"
	"github.com/broadcasthub/platform/pkg/concurrency"
	"github.com/broadcasthub/platform/pkg/errors"
)

// ErrDirectoryUnavailable is raised whenever the directory client's circuit
// is open or its bulkhead is full. The caller must propagate it rather than
// deliver to a stale or partial roster.
var ErrDirectoryUnavailable = errors.New(errors.CodeUnavailable, "user directory service unavailable", nil)

// DirectoryConfig configures the external user directory client.
type DirectoryConfig struct {
	BaseURL           string `env:"DIRECTORY_BASE_URL" env-default:"http://user-directory.internal"`
	MaxConcurrentCalls int64  `env:"DIRECTORY_MAX_CONCURRENT" env-default:"20"`
	rest.Config
}

// Directory wraps the rest.Client with a bulkhead, the way §4.8 specifies:
// a small middleware object exposing the same method signature, holding
// breaker state and a semaphore for max concurrent calls.
type Directory struct {
	client    *rest.Client
	baseURL   string
	bulkhead  *concurrency.Semaphore
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	return &Directory{
		client:   rest.New(cfg.Config),
		baseURL:  cfg.BaseURL,
		bulkhead: concurrency.NewSemaphore(cfg.MaxConcurrentCalls),
	}
}

// AllUsers returns the full roster, used for ALL-targeted broadcasts.
func (d *Directory) AllUsers(ctx context.Context) ([]string, error) {
	return d.fetch(ctx, d.baseURL+"/users")
}

// RoleMembers returns the user ids belonging to a role, used for
// ROLE-targeted broadcasts.
func (d *Directory) RoleMembers(ctx context.Context, role string) ([]string, error) {
	return d.fetch(ctx, fmt.Sprintf("%s/roles/%s/users", d.baseURL, role))
}

func (d *Directory) fetch(ctx context.Context, url string) ([]string, error) {
	if !d.bulkhead.TryAcquire(1) {
		return nil, ErrDirectoryUnavailable
	}
	defer d.bulkhead.Release(1)

	resp, err := d.client.Get(ctx, url)
	if err != nil {
		return nil, ErrDirectoryUnavailable
	}
	defer resp.Body.Close()

	if d.client.CircuitBreakerState() == "open" || resp.StatusCode >= 500 {
		return nil, ErrDirectoryUnavailable
	}
	if resp.StatusCode >= 400 {
		return nil, errors.New(errors.CodeUnavailable, fmt.Sprintf("directory returned status %d", resp.StatusCode), nil)
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, errors.Wrap(err, "failed to decode directory response")
	}
	return ids, nil
}
