package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a tunnel.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

var (
	// ErrNotFound is returned when the requested tunnel does not exist.
	ErrNotFound = errors.New("registry: tunnel not found")
	// ErrNotActive is returned when a transition requires an active tunnel.
	ErrNotActive = errors.New("registry: tunnel not active")
	// ErrSubnetFull is returned when every client address in the subnet is held.
	ErrSubnetFull = errors.New("registry: no available client IP addresses")
	// ErrDuplicateID is returned on a tunnel id collision.
	ErrDuplicateID = errors.New("registry: duplicate tunnel id")
)

// Tunnel is the broker-side record of one provisioned peer.
type Tunnel struct {
	ID               string
	AgentID          string
	Region           string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	ClientPrivateKey string
	ClientPublicKey  string
	ClientIP         string
	Status           Status
	LastBilledAt     time.Time
}

// DurationSeconds returns the billable span of the tunnel: to now while active,
// to the terminal time otherwise.
func (t *Tunnel) DurationSeconds(now time.Time) int64 {
	end := now
	if t.Status != StatusActive {
		end = t.ExpiresAt
	}
	d := int64(end.Sub(t.CreatedAt) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// Expired holds the outcome of an active→expired transition.
type Expired struct {
	Tunnel          Tunnel
	UnbilledSeconds float64
}

// Registry is the in-memory authoritative store of tunnel records plus the
// client-IP allocator. One mutex covers both: all status transitions, cursor
// advancement, and IP allocation happen inside it.
type Registry struct {
	mu           sync.Mutex
	tunnels      map[string]*Tunnel
	usedIPs      map[string]bool
	nextOctet    int
	subnetPrefix string
	region       string
}

// New creates an empty registry for the given region and subnet prefix
// (first three octets, e.g. "10.100.0"). The server holds .1; clients get .2-.254.
func New(region, subnetPrefix string) *Registry {
	return &Registry{
		tunnels:      make(map[string]*Tunnel),
		usedIPs:      make(map[string]bool),
		nextOctet:    2,
		subnetPrefix: subnetPrefix,
		region:       region,
	}
}

// NewTunnelID returns a fresh tunnel identifier: "tun_" plus 16 hex digits
// from the cryptographic RNG.
func NewTunnelID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("registry: crypto/rand failed: %v", err))
	}
	return "tun_" + hex.EncodeToString(b)
}

// Insert allocates a client IP, stamps the record, and stores it. The returned
// snapshot carries the allocated ClientIP, CreatedAt, ExpiresAt, and cursor.
func (r *Registry) Insert(id, agentID, privKey, pubKey string, duration time.Duration, now time.Time) (Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tunnels[id]; exists {
		return Tunnel{}, ErrDuplicateID
	}

	ip, err := r.allocateIPLocked()
	if err != nil {
		return Tunnel{}, err
	}

	t := &Tunnel{
		ID:               id,
		AgentID:          agentID,
		Region:           r.region,
		CreatedAt:        now,
		ExpiresAt:        now.Add(duration),
		ClientPrivateKey: privKey,
		ClientPublicKey:  pubKey,
		ClientIP:         ip,
		Status:           StatusActive,
		LastBilledAt:     now,
	}
	r.tunnels[id] = t
	r.usedIPs[ip] = true
	return *t, nil
}

// Remove deletes a record and releases its IP. Used only to roll back a create
// whose peer install failed; terminal records are otherwise retained.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tunnels[id]; ok {
		delete(r.usedIPs, t.ClientIP)
		delete(r.tunnels, id)
	}
}

// Get returns a snapshot of the record.
func (r *Registry) Get(id string) (Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	if !ok {
		return Tunnel{}, ErrNotFound
	}
	return *t, nil
}

// ListByAgent returns snapshots of every record owned by the agent, any status,
// oldest first.
func (r *Registry) ListByAgent(agentID string) []Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Tunnel
	for _, t := range r.tunnels {
		if t.AgentID == agentID {
			out = append(out, *t)
		}
	}
	sortByCreated(out)
	return out
}

// ActiveSnapshots returns snapshots of all active tunnels.
func (r *Registry) ActiveSnapshots() []Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Tunnel
	for _, t := range r.tunnels {
		if t.Status == StatusActive {
			out = append(out, *t)
		}
	}
	sortByCreated(out)
	return out
}

// ActiveCount returns the number of active tunnels.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tunnels {
		if t.Status == StatusActive {
			n++
		}
	}
	return n
}

// AccrueWholeMinutes advances the billing cursor of an active tunnel by the
// whole minutes elapsed since last_billed_at and returns the seconds billed.
// Returns 0 when the tunnel is not active or less than a minute has elapsed.
// The cursor never passes expires_at; the terminal remainder belongs to the
// expiry or close transition.
func (r *Registry) AccrueWholeMinutes(id string, now time.Time) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	if !ok || t.Status != StatusActive {
		return 0
	}
	limit := now
	if t.ExpiresAt.Before(limit) {
		limit = t.ExpiresAt
	}
	delta := limit.Sub(t.LastBilledAt)
	if delta < time.Minute {
		return 0
	}
	whole := delta / time.Minute
	billed := whole * time.Minute
	t.LastBilledAt = t.LastBilledAt.Add(billed)
	return int64(billed / time.Second)
}

// AccrueToNow advances the cursor of an active tunnel all the way to now
// (capped at expires_at), including the partial minute, and returns the exact
// seconds billed. Used by the shutdown flush; the tunnel stays active.
func (r *Registry) AccrueToNow(id string, now time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	if !ok || t.Status != StatusActive {
		return 0
	}
	limit := now
	if t.ExpiresAt.Before(limit) {
		limit = t.ExpiresAt
	}
	delta := limit.Sub(t.LastBilledAt)
	if delta <= 0 {
		return 0
	}
	t.LastBilledAt = limit
	return delta.Seconds()
}

// Close transitions an active tunnel to closed at the given instant. The
// unbilled remainder (close time minus cursor) is returned for terminal
// accrual; the cursor lands on the close time and expires_at is overwritten
// to it. The client IP is released.
func (r *Registry) Close(id string, now time.Time) (Tunnel, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	if !ok {
		return Tunnel{}, 0, ErrNotFound
	}
	if t.Status != StatusActive {
		return *t, 0, ErrNotActive
	}
	unbilled := now.Sub(t.LastBilledAt).Seconds()
	if unbilled < 0 {
		unbilled = 0
	}
	t.Status = StatusClosed
	t.ExpiresAt = now
	t.LastBilledAt = now
	delete(r.usedIPs, t.ClientIP)
	return *t, unbilled, nil
}

// Expire transitions the tunnel to expired if it is active and past its
// expires_at. The bool reports whether this call performed the transition.
func (r *Registry) Expire(id string, now time.Time) (Expired, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	if !ok || t.Status != StatusActive || !t.ExpiresAt.Before(now) {
		return Expired{}, false
	}
	return r.expireLocked(t), true
}

// ExpireDue transitions every active tunnel whose expires_at has passed and
// returns the transitioned records with their unbilled remainders.
func (r *Registry) ExpireDue(now time.Time) []Expired {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Expired
	for _, t := range r.tunnels {
		if t.Status == StatusActive && t.ExpiresAt.Before(now) {
			out = append(out, r.expireLocked(t))
		}
	}
	return out
}

func (r *Registry) expireLocked(t *Tunnel) Expired {
	unbilled := t.ExpiresAt.Sub(t.LastBilledAt).Seconds()
	if unbilled < 0 {
		unbilled = 0
	}
	t.Status = StatusExpired
	t.LastBilledAt = t.ExpiresAt
	delete(r.usedIPs, t.ClientIP)
	return Expired{Tunnel: *t, UnbilledSeconds: unbilled}
}

// allocateIPLocked hands out the next free address in [.2, .254], advancing a
// wrapping counter past addresses held by active tunnels.
func (r *Registry) allocateIPLocked() (string, error) {
	for i := 0; i < 253; i++ {
		octet := r.nextOctet
		r.nextOctet++
		if r.nextOctet > 254 {
			r.nextOctet = 2
		}
		candidate := fmt.Sprintf("%s.%d", r.subnetPrefix, octet)
		if !r.usedIPs[candidate] {
			return candidate, nil
		}
	}
	return "", ErrSubnetFull
}

func sortByCreated(ts []Tunnel) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
