package session

import (
	"time"

	"github.com/surrealdb/surrealcollab/internal/clock"
	"github.com/surrealdb/surrealcollab/pkg/awareness"
	"github.com/surrealdb/surrealcollab/pkg/logger"
	"github.com/surrealdb/surrealcollab/pkg/reconciler"
)

const (
	DefaultHydrateTimeout = 10 * time.Second
	DefaultFlushTimeout   = 30 * time.Second

	// awarenessChecksPerTimeout bounds how late an expiry is noticed to a tenth of
	// the timeout.
	awarenessChecksPerTimeout = 10
)

// Config is shared by every session of a Registry.
type Config struct {
	// Reconciler sets the save cadence and retry policy. Its Clock, Logger and
	// OnSaved fields are set by the session.
	Reconciler reconciler.Config

	AwarenessTimeout time.Duration
	// AwarenessCheckInterval defaults to a tenth of AwarenessTimeout.
	AwarenessCheckInterval time.Duration

	HydrateTimeout time.Duration
	FlushTimeout   time.Duration

	Clock  clock.Clock
	Logger logger.Logger

	// Events receives session events if set.
	Events chan<- Event
}

func (c Config) withDefaults() Config {
	if c.AwarenessTimeout <= 0 {
		c.AwarenessTimeout = awareness.DefaultTimeout
	}
	if c.AwarenessCheckInterval <= 0 {
		c.AwarenessCheckInterval = c.AwarenessTimeout / awarenessChecksPerTimeout
	}
	if c.HydrateTimeout <= 0 {
		c.HydrateTimeout = DefaultHydrateTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return c
}
