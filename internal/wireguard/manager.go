package wireguard

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerInfo holds information about a WireGuard peer retrieved from the kernel.
type PeerInfo struct {
	PublicKey         string
	Endpoint          string
	AllowedIPs        []string
	LastHandshakeTime time.Time
	ReceiveBytes      int64
	TransmitBytes     int64
}

// DeviceInfo holds the WireGuard device info (server side).
type DeviceInfo struct {
	PublicKey  string
	ListenPort int
	Peers      []PeerInfo
}

// WGClient is the interface for interacting with WireGuard at the kernel level.
// This abstraction allows mocking in tests.
type WGClient interface {
	AddPeer(iface string, pubkey, clientIP string) error
	RemovePeer(iface string, pubkey string) error
	GetDevice(iface string) (*DeviceInfo, error)
}

// Manager wraps WireGuard peer operations for the broker. After AddPeer
// returns nil, traffic from a client holding the matching private key and
// bearing the given inner IP is routed through the interface; after RemovePeer
// returns nil, no such routing exists.
type Manager struct {
	iface  string
	client WGClient
}

// NewManager creates a new WireGuard manager for the given interface.
func NewManager(iface string, client WGClient) *Manager {
	return &Manager{
		iface:  iface,
		client: client,
	}
}

// AddPeer installs a peer with the given public key and a /32 allowed-IP.
func (m *Manager) AddPeer(pubkey, clientIP string) error {
	return m.client.AddPeer(m.iface, pubkey, clientIP)
}

// RemovePeer removes a peer by public key. Removing an unknown peer is not an
// error.
func (m *Manager) RemovePeer(pubkey string) error {
	err := m.client.RemovePeer(m.iface, pubkey)
	if err != nil && isNotExist(err) {
		return nil
	}
	return err
}

// ListPeers returns all WireGuard peers on the managed interface.
func (m *Manager) ListPeers() ([]PeerInfo, error) {
	dev, err := m.client.GetDevice(m.iface)
	if err != nil {
		return nil, err
	}
	return dev.Peers, nil
}

// GetServerPublicKey returns the interface's public key.
func (m *Manager) GetServerPublicKey() (string, error) {
	dev, err := m.client.GetDevice(m.iface)
	if err != nil {
		return "", err
	}
	return dev.PublicKey, nil
}

// RemoveOrphans removes every kernel peer whose public key is not in known.
// A broker restart loses all tunnel records, so any peer left on the interface
// is an orphan from the previous life. Returns the number removed.
func (m *Manager) RemoveOrphans(known map[string]bool, logger *slog.Logger) (int, error) {
	peers, err := m.ListPeers()
	if err != nil {
		return 0, fmt.Errorf("list peers: %w", err)
	}
	removed := 0
	for _, p := range peers {
		if known[p.PublicKey] {
			continue
		}
		if err := m.RemovePeer(p.PublicKey); err != nil {
			logger.Error("failed to remove orphaned peer", "pubkey", p.PublicKey, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// GenerateKeyPair generates a new WireGuard Curve25519 key pair.
// Returns (privateKey, publicKey) as base64-encoded strings.
func GenerateKeyPair() (string, string, error) {
	privKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate private key: %w", err)
	}
	pubKey := privKey.PublicKey()
	return base64.StdEncoding.EncodeToString(privKey[:]), base64.StdEncoding.EncodeToString(pubKey[:]), nil
}

func isNotExist(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	return strings.Contains(err.Error(), "not found")
}

// RealWGClient implements WGClient using the real wgctrl-go library.
type RealWGClient struct{}

// NewRealWGClient creates a new RealWGClient.
func NewRealWGClient() *RealWGClient {
	return &RealWGClient{}
}

// AddPeer adds a peer to the WireGuard interface via wgctrl.
func (c *RealWGClient) AddPeer(iface string, pubkey, clientIP string) error {
	pubKeyArr, err := parseKey(pubkey)
	if err != nil {
		return err
	}

	_, allowedNet, err := net.ParseCIDR(clientIP + "/32")
	if err != nil {
		return fmt.Errorf("parse client ip: %w", err)
	}

	config := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:         pubKeyArr,
			AllowedIPs:        []net.IPNet{*allowedNet},
			ReplaceAllowedIPs: true,
		}},
	}

	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("wgctrl.New: %w", err)
	}
	defer client.Close()
	return client.ConfigureDevice(iface, config)
}

// RemovePeer removes a peer from the WireGuard interface via wgctrl.
func (c *RealWGClient) RemovePeer(iface string, pubkey string) error {
	pubKeyArr, err := parseKey(pubkey)
	if err != nil {
		return err
	}

	config := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey: pubKeyArr,
			Remove:    true,
		}},
	}

	client, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("wgctrl.New: %w", err)
	}
	defer client.Close()
	return client.ConfigureDevice(iface, config)
}

// GetDevice returns the WireGuard device info.
func (c *RealWGClient) GetDevice(iface string) (*DeviceInfo, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wgctrl.New: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(iface)
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", iface, err)
	}

	info := &DeviceInfo{
		PublicKey:  base64.StdEncoding.EncodeToString(dev.PublicKey[:]),
		ListenPort: dev.ListenPort,
	}

	for _, p := range dev.Peers {
		var allowedIPs []string
		for _, ip := range p.AllowedIPs {
			allowedIPs = append(allowedIPs, ip.String())
		}
		var endpoint string
		if p.Endpoint != nil {
			endpoint = p.Endpoint.String()
		}
		info.Peers = append(info.Peers, PeerInfo{
			PublicKey:         base64.StdEncoding.EncodeToString(p.PublicKey[:]),
			Endpoint:          endpoint,
			AllowedIPs:        allowedIPs,
			LastHandshakeTime: p.LastHandshakeTime,
			ReceiveBytes:      p.ReceiveBytes,
			TransmitBytes:     p.TransmitBytes,
		})
	}

	return info, nil
}

func parseKey(b64 string) (wgtypes.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != wgtypes.KeyLen {
		return wgtypes.Key{}, fmt.Errorf("decode public key: invalid key %q", b64)
	}
	var k wgtypes.Key
	copy(k[:], raw)
	return k, nil
}
