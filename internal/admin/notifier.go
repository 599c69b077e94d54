package admin

import (
	"context"
	"sync"
	"time"

	"github.com/titanplay/backend/internal/crypt"
	"github.com/titanplay/backend/internal/hub"
	"github.com/titanplay/backend/internal/ratelimit"
)

// notifyDebounce coalesces bursts of admin mutations into one push.
const notifyDebounce = 500 * time.Millisecond

// MetricsUpdate is the payload broadcast to the admin metrics hub after
// control-plane changes.
type MetricsUpdate struct {
	RateLimiting *ratelimit.Snapshot `json:"rateLimiting"`
	Encryption   struct {
		Config        crypt.ConfigView `json:"config"`
		ActiveUsers   int              `json:"activeUsers"`
		NeedsRotation int              `json:"needsRotation"`
	} `json:"encryption"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Notifier debounces metric pushes to the admin metrics hub so a burst of
// config writes produces a single broadcast.
type Notifier struct {
	limiter *ratelimit.Engine
	crypto  *crypt.Service
	metrics *hub.Hub

	mu    sync.Mutex
	timer *time.Timer
}

// NewNotifier creates a notifier publishing to the given hub. A nil hub
// makes every Notify a no-op, which keeps tests simple.
func NewNotifier(limiter *ratelimit.Engine, crypto *crypt.Service, metricsHub *hub.Hub) *Notifier {
	return &Notifier{limiter: limiter, crypto: crypto, metrics: metricsHub}
}

// Notify schedules a broadcast. Calls landing inside the debounce window
// reset the timer; only the last one fires.
func (n *Notifier) Notify() {
	if n == nil || n.metrics == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(notifyDebounce, n.push)
}

// Flush broadcasts immediately, bypassing the debounce. Used on shutdown.
func (n *Notifier) Flush() {
	if n == nil || n.metrics == nil {
		return
	}
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()
	n.push()
}

func (n *Notifier) push() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	update := MetricsUpdate{GeneratedAt: time.Now().UTC()}
	if snap, err := n.limiter.MetricsSnapshot(ctx); err == nil {
		update.RateLimiting = snap
	}
	update.Encryption.Config = n.crypto.Config()
	update.Encryption.ActiveUsers = len(n.crypto.Users())
	update.Encryption.NeedsRotation = len(n.crypto.NeedingRotation())

	n.metrics.Broadcast(ctx, "MetricsUpdate", update)
}
