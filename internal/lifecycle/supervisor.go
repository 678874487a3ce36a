package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/keyroute/broker/internal/metering"
	"github.com/keyroute/broker/internal/registry"
	"github.com/keyroute/broker/internal/wireguard"
)

// Supervisor periodically transitions expired tunnels, triggers their final
// accrual, and releases their kernel peers. The status transition itself is
// indivisible under the registry lock; peer removal follows and is idempotent.
type Supervisor struct {
	reg      *registry.Registry
	engine   *metering.Engine
	wg       *wireguard.Manager
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Supervisor.
func New(reg *registry.Registry, engine *metering.Engine, wg *wireguard.Manager, interval time.Duration) *Supervisor {
	return &Supervisor{
		reg:      reg,
		engine:   engine,
		wg:       wg,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run drives the expiry scan until the context is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lifecycle scan stopped")
			return
		case <-ticker.C:
			s.ScanOnce(time.Now())
		}
	}
}

// ScanOnce expires every active tunnel past its expires_at.
func (s *Supervisor) ScanOnce(now time.Time) {
	for _, exp := range s.reg.ExpireDue(now) {
		s.finish(exp)
	}
}

// ExpireIfDue performs the same transition for a single tunnel; GET handlers
// use it so a caller never observes an active record past its lifetime. The
// bool reports whether this call expired the tunnel.
func (s *Supervisor) ExpireIfDue(id string, now time.Time) bool {
	exp, ok := s.reg.Expire(id, now)
	if !ok {
		return false
	}
	s.finish(exp)
	return true
}

func (s *Supervisor) finish(exp registry.Expired) {
	t := exp.Tunnel
	s.engine.EnqueueSeconds(t.AgentID, t.ID, exp.UnbilledSeconds, t.ExpiresAt)
	if err := s.wg.RemovePeer(t.ClientPublicKey); err != nil {
		s.logger.Error("failed to remove peer for expired tunnel", "tunnel_id", t.ID, "error", err)
	}
	s.logger.Info("tunnel expired",
		"tunnel_id", t.ID,
		"agent_id", t.AgentID,
		"unbilled_seconds", exp.UnbilledSeconds,
	)
}
