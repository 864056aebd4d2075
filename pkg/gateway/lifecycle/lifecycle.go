package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
// It is used for readiness draining during graceful shutdown.
type Lifecycle struct {
	draining  atomic.Bool
	startedAt time.Time
}

// New returns a Lifecycle that started now.
func New() *Lifecycle {
	return &Lifecycle{startedAt: time.Now()}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is zero for a Lifecycle not built with New.
func (l *Lifecycle) Uptime() time.Duration {
	if l == nil || l.startedAt.IsZero() {
		return 0
	}
	return time.Since(l.startedAt)
}
