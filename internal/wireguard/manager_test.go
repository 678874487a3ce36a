package wireguard

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"testing"
)

// mockWGClient records peer operations in memory.
type mockWGClient struct {
	peers     map[string]string // pubkey -> clientIP
	publicKey string
	addErr    error
	removeErr error
	getErr    error
}

func newMockWGClient() *mockWGClient {
	return &mockWGClient{
		peers:     make(map[string]string),
		publicKey: "c2VydmVyLXB1Yi1rZXktMzItYnl0ZXMtaGVyZQ==",
	}
}

func (m *mockWGClient) AddPeer(iface, pubkey, clientIP string) error {
	if m.addErr != nil {
		return m.addErr
	}
	m.peers[pubkey] = clientIP
	return nil
}

func (m *mockWGClient) RemovePeer(iface, pubkey string) error {
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.peers, pubkey)
	return nil
}

func (m *mockWGClient) GetDevice(iface string) (*DeviceInfo, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	info := &DeviceInfo{PublicKey: m.publicKey, ListenPort: 51820}
	for pub, ip := range m.peers {
		info.Peers = append(info.Peers, PeerInfo{
			PublicKey:  pub,
			AllowedIPs: []string{ip + "/32"},
		})
	}
	return info, nil
}

func TestGenerateKeyPair(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	for name, key := range map[string]string{"private": priv, "public": pub} {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			t.Fatalf("%s key not base64: %v", name, err)
		}
		if len(raw) != 32 {
			t.Fatalf("%s key is %d bytes, want 32", name, len(raw))
		}
	}
	if priv == pub {
		t.Fatal("private and public keys are identical")
	}

	_, pub2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if pub == pub2 {
		t.Fatal("two generated key pairs share a public key")
	}
}

func TestAddAndRemovePeer(t *testing.T) {
	mock := newMockWGClient()
	m := NewManager("wg0", mock)

	if err := m.AddPeer("peer-key", "10.100.0.2"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if mock.peers["peer-key"] != "10.100.0.2" {
		t.Fatalf("peer not installed: %v", mock.peers)
	}

	if err := m.RemovePeer("peer-key"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(mock.peers) != 0 {
		t.Fatalf("peer not removed: %v", mock.peers)
	}
}

func TestRemovePeerNotFoundIsSuccess(t *testing.T) {
	mock := newMockWGClient()
	mock.removeErr = fmt.Errorf("peer not found")
	m := NewManager("wg0", mock)

	if err := m.RemovePeer("unknown"); err != nil {
		t.Fatalf("remove of unknown peer returned %v, want nil", err)
	}
}

func TestRemovePeerOtherErrorsSurface(t *testing.T) {
	mock := newMockWGClient()
	mock.removeErr = errors.New("netlink: permission denied")
	m := NewManager("wg0", mock)

	if err := m.RemovePeer("peer-key"); err == nil {
		t.Fatal("expected error from remove")
	}
}

func TestGetServerPublicKey(t *testing.T) {
	mock := newMockWGClient()
	m := NewManager("wg0", mock)

	got, err := m.GetServerPublicKey()
	if err != nil {
		t.Fatalf("get server public key: %v", err)
	}
	if got != mock.publicKey {
		t.Fatalf("public key = %q, want %q", got, mock.publicKey)
	}
}

func TestRemoveOrphans(t *testing.T) {
	mock := newMockWGClient()
	mock.peers["known-peer"] = "10.100.0.2"
	mock.peers["orphan-1"] = "10.100.0.3"
	mock.peers["orphan-2"] = "10.100.0.4"
	m := NewManager("wg0", mock)

	removed, err := m.RemoveOrphans(map[string]bool{"known-peer": true}, slog.Default())
	if err != nil {
		t.Fatalf("remove orphans: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := mock.peers["known-peer"]; !ok {
		t.Fatal("known peer was removed")
	}
}

func TestRemoveOrphansEmptyRegistry(t *testing.T) {
	mock := newMockWGClient()
	mock.peers["stale-a"] = "10.100.0.2"
	mock.peers["stale-b"] = "10.100.0.3"
	m := NewManager("wg0", mock)

	// Fresh start: no known peers, everything on the interface goes.
	removed, err := m.RemoveOrphans(nil, slog.Default())
	if err != nil {
		t.Fatalf("remove orphans: %v", err)
	}
	if removed != 2 || len(mock.peers) != 0 {
		t.Fatalf("removed = %d, remaining = %v", removed, mock.peers)
	}
}

func TestListPeersPropagatesError(t *testing.T) {
	mock := newMockWGClient()
	mock.getErr = errors.New("no such device")
	m := NewManager("wg0", mock)

	if _, err := m.ListPeers(); err == nil {
		t.Fatal("expected error from list")
	}
}
