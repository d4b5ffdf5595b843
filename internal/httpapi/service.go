// Package httpapi exposes the two HTTP surfaces of the daemon: the wire
// listener that takes inference traffic and the status listener that serves
// health, readiness, status, and metrics. Both are chi routers sharing one
// Service.
package httpapi

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hiplawrussia-stack/FolliCore/internal/config"
	"github.com/hiplawrussia-stack/FolliCore/internal/engine"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// Service defines what the HTTP layer needs from the model lifecycle
// controller.
type Service interface {
	// Acquire resolves a model id (empty means default) to a serving engine.
	Acquire(id string) (*engine.Engine, error)
	// Reload swaps in a freshly loaded copy of the model.
	Reload(ctx context.Context, id string) error
	Ready() bool
	Started() bool
	Uptime() time.Duration
	Status(version string) types.StatusResponse
	ReadyStatus() types.ReadyResponse
	ModelStatuses() []types.ModelStatus
}

// Options carries the HTTP layer configuration shared by both routers.
type Options struct {
	Version      string
	MaxBodyBytes int64
	CORSOrigins  []string
	Logger       zerolog.Logger
}

func (o *Options) maxBody() int64 {
	if o.MaxBodyBytes <= 0 {
		return config.DefaultMaxBodyBytes
	}
	return o.MaxBodyBytes
}
