package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/keyroute/broker/internal/keeper"
	"github.com/keyroute/broker/internal/registry"
	"github.com/keyroute/broker/internal/wireguard"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	minDurationSeconds     = 30
	maxDurationSeconds     = 3600
	defaultDurationSeconds = 300
)

// createTunnelRequest represents the request body for POST /v1/tunnel.
// duration is any so unparseable values fall back to the default instead of
// failing the decode; region is accepted but the edge has already routed.
type createTunnelRequest struct {
	Duration any    `json:"duration"`
	Region   string `json:"region"`
}

func (s *Server) handleCreateTunnel(w http.ResponseWriter, r *http.Request) {
	var req createTunnelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	duration := parseDuration(req.Duration)

	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}

	quantity := float64(duration) / 3600
	verdict, err := s.keeper.Verify(context.Background(), token, keeper.OperationTunnelHour, quantity)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Authentication service unavailable")
		return
	}
	if !verdict.Valid {
		msg := verdict.Error
		if msg == "" {
			msg = "Invalid token"
		}
		writeError(w, http.StatusUnauthorized, msg)
		return
	}
	if !verdict.CanAfford {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":          "Insufficient credits",
			"balance":        verdict.Balance,
			"estimated_cost": quantity * verdict.CostPerUnit,
			"cost_per_hour":  verdict.CostPerUnit,
		})
		return
	}

	serverPubKey, err := s.wgManager.GetServerPublicKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "WireGuard interface unavailable")
		return
	}

	privKey, pubKey, err := wireguard.GenerateKeyPair()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate key pair")
		return
	}

	id := registry.NewTunnelID()
	tunnel, err := s.reg.Insert(id, verdict.AgentID, privKey, pubKey, time.Duration(duration)*time.Second, time.Now())
	if err != nil {
		if errors.Is(err, registry.ErrSubnetFull) {
			writeError(w, http.StatusServiceUnavailable, "No available tunnel addresses in this region")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to register tunnel: %v", err))
		return
	}

	// The tunnel is only real once the kernel routes for it. A failed install
	// rolls the record back so no active record exists without a peer.
	if err := s.wgManager.AddPeer(pubKey, tunnel.ClientIP); err != nil {
		s.reg.Remove(id)
		writeError(w, http.StatusServiceUnavailable, "Failed to install tunnel peer")
		return
	}

	config := buildClientConfig(privKey, tunnel.ClientIP, serverPubKey, s.cfg.Endpoint())

	writeJSON(w, http.StatusCreated, map[string]any{
		"tunnel_id":        tunnel.ID,
		"region":           tunnel.Region,
		"wireguard_config": config,
		"endpoint":         s.cfg.Endpoint(),
		"expires_at":       tunnel.ExpiresAt.UTC().Format(time.RFC3339),
		"client_ip":        tunnel.ClientIP,
	})
}

func (s *Server) handleGetTunnel(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.authorizedTunnel(w, r)
	if !ok {
		return
	}

	now := time.Now()
	if s.supervisor.ExpireIfDue(tunnel.ID, now) {
		tunnel, _ = s.reg.Get(tunnel.ID)
	}

	writeJSON(w, http.StatusOK, tunnelView(tunnel, now))
}

func (s *Server) handleDeleteTunnel(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.authorizedTunnel(w, r)
	if !ok {
		return
	}

	now := time.Now()
	// A tunnel past its lifetime expires rather than closes, so the billed
	// span never exceeds the purchased duration.
	s.supervisor.ExpireIfDue(tunnel.ID, now)

	closed, unbilled, err := s.reg.Close(tunnel.ID, now)
	if err != nil {
		if errors.Is(err, registry.ErrNotActive) {
			writeError(w, http.StatusBadRequest, "Tunnel already closed")
			return
		}
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}

	s.engine.EnqueueSeconds(closed.AgentID, closed.ID, unbilled, now)
	if err := s.wgManager.RemovePeer(closed.ClientPublicKey); err != nil {
		// The record is already terminal; a leftover peer is swept by the
		// orphan cleanup at next startup.
		slog.Error("failed to remove peer for closed tunnel", "tunnel_id", closed.ID, "error", err)
	}

	durationSeconds := closed.DurationSeconds(now)
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnel_id":        closed.ID,
		"status":           string(closed.Status),
		"duration_seconds": durationSeconds,
		"cost_usd":         costUSD(durationSeconds),
	})
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	verdict, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	now := time.Now()
	tunnels := s.reg.ListByAgent(verdict.AgentID)
	views := make([]map[string]any, 0, len(tunnels))
	for _, t := range tunnels {
		if t.Status == registry.StatusActive && t.ExpiresAt.Before(now) {
			if s.supervisor.ExpireIfDue(t.ID, now) {
				t, _ = s.reg.Get(t.ID)
			}
		}
		views = append(views, tunnelView(t, now))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tunnels":  views,
		"agent_id": verdict.AgentID,
		"email":    verdict.Email,
		"balance":  verdict.Balance,
	})
}

func (s *Server) handleGetTunnelQR(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := s.authorizedTunnel(w, r)
	if !ok {
		return
	}

	serverPubKey, err := s.wgManager.GetServerPublicKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "WireGuard interface unavailable")
		return
	}

	config := buildClientConfig(tunnel.ClientPrivateKey, tunnel.ClientIP, serverPubKey, s.cfg.Endpoint())

	png, err := qrcode.Encode(config, qrcode.Medium, 512)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// authenticate verifies the bearer token with the keeper. On failure it writes
// the 401 response and returns ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*keeper.VerifyResponse, bool) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing bearer token")
		return nil, false
	}

	verdict, err := s.keeper.Verify(context.Background(), token, keeper.OperationTunnelHour, 0)
	if err != nil || !verdict.Valid {
		msg := "Invalid token"
		if err == nil && verdict.Error != "" {
			msg = verdict.Error
		}
		writeError(w, http.StatusUnauthorized, msg)
		return nil, false
	}
	return verdict, true
}

// authorizedTunnel authenticates the caller, resolves the {id} path value, and
// enforces ownership. On failure the response is already written.
func (s *Server) authorizedTunnel(w http.ResponseWriter, r *http.Request) (registry.Tunnel, bool) {
	verdict, ok := s.authenticate(w, r)
	if !ok {
		return registry.Tunnel{}, false
	}

	id := r.PathValue("id")
	tunnel, err := s.reg.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return registry.Tunnel{}, false
	}
	if tunnel.AgentID != verdict.AgentID {
		writeError(w, http.StatusForbidden, "Access denied")
		return registry.Tunnel{}, false
	}
	return tunnel, true
}

func tunnelView(t registry.Tunnel, now time.Time) map[string]any {
	durationSeconds := t.DurationSeconds(now)
	return map[string]any{
		"tunnel_id":        t.ID,
		"region":           t.Region,
		"status":           string(t.Status),
		"created_at":       t.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at":       t.ExpiresAt.UTC().Format(time.RFC3339),
		"duration_seconds": durationSeconds,
		"cost_usd":         costUSD(durationSeconds),
	}
}

func costUSD(durationSeconds int64) float64 {
	return float64(durationSeconds) / 3600 * costPerHourUSD
}

// parseDuration coerces the duration field to seconds, clamped to
// [30, 3600]. Missing or unparseable values default to 300.
func parseDuration(raw any) int {
	duration := defaultDurationSeconds
	switch v := raw.(type) {
	case float64:
		duration = int(v)
	case string:
		var parsed float64
		if _, err := fmt.Sscanf(v, "%g", &parsed); err == nil {
			duration = int(parsed)
		}
	}
	if duration < minDurationSeconds {
		duration = minDurationSeconds
	}
	if duration > maxDurationSeconds {
		duration = maxDurationSeconds
	}
	return duration
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// buildClientConfig renders the WireGuard client configuration for a tunnel.
func buildClientConfig(privateKey, clientIP, serverPubKey, endpoint string) string {
	return fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = %s/24
DNS = 1.1.1.1

[Peer]
PublicKey = %s
Endpoint = %s
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = 25
`, privateKey, clientIP, serverPubKey, endpoint)
}
