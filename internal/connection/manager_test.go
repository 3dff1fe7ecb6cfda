package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/vpnportal/internal/bootstrap"
	"github.com/creamcroissant/vpnportal/internal/ca"
	"github.com/creamcroissant/vpnportal/internal/config"
	"github.com/creamcroissant/vpnportal/internal/migrations"
	"github.com/creamcroissant/vpnportal/internal/nodeclient"
	"github.com/creamcroissant/vpnportal/internal/protocol"
	"github.com/creamcroissant/vpnportal/internal/repository"
	"github.com/creamcroissant/vpnportal/internal/repository/sqlite"
	"github.com/creamcroissant/vpnportal/internal/wgkey"
)

// fakeNode implements the daemon control API for tests. Peers appear in the
// show_all=no peer list only after markHandshake.
type fakeNode struct {
	mu          sync.Mutex
	down        bool
	peers       map[string]nodeclient.PeerInfo
	handshook   map[string]bool
	counters    map[string][2]int64
	connections []nodeclient.ConnectionInfo
	addCalls    int
	srv         *httptest.Server
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{
		peers:     map[string]nodeclient.PeerInfo{},
		handshook: map[string]bool{},
		counters:  map[string][2]int64{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /i/node", n.handleInfo)
	mux.HandleFunc("GET /w/peer_list", n.handlePeerList)
	mux.HandleFunc("POST /w/add_peer", n.handleAddPeer)
	mux.HandleFunc("POST /w/remove_peer", n.handleRemovePeer)
	mux.HandleFunc("GET /o/connection_list", n.handleConnectionList)
	mux.HandleFunc("POST /o/disconnect_client", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	n.srv = httptest.NewServer(mux)
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) handleInfo(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	down := n.down
	n.mu.Unlock()
	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"load_average": []float64{0.2}, "cpu_count": 2})
}

func (n *fakeNode) handlePeerList(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	showAll := r.URL.Query().Get("show_all") == "yes"
	list := []nodeclient.PeerInfo{}
	for key, peer := range n.peers {
		if !showAll && !n.handshook[key] {
			continue
		}
		if c, ok := n.counters[key]; ok {
			peer.BytesIn, peer.BytesOut = c[0], c[1]
		}
		list = append(list, peer)
	}
	json.NewEncoder(w).Encode(map[string]any{"peer_list": list})
}

func (n *fakeNode) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var body nodeclient.PeerInfo
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.peers[body.PublicKey] = body
	n.addCalls++
	n.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (n *fakeNode) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.peers[body.PublicKey]; !ok {
		json.NewEncoder(w).Encode(map[string]any{})
		return
	}
	delete(n.peers, body.PublicKey)
	c := n.counters[body.PublicKey]
	json.NewEncoder(w).Encode(map[string]any{
		"public_key": body.PublicKey,
		"bytes_in":   c[0],
		"bytes_out":  c[1],
	})
}

func (n *fakeNode) handleConnectionList(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{"connection_list": n.connections})
}

func (n *fakeNode) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

func (n *fakeNode) markHandshake(publicKey string) {
	n.mu.Lock()
	n.handshook[publicKey] = true
	n.mu.Unlock()
}

func (n *fakeNode) hasPeer(publicKey string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.peers[publicKey]
	return ok
}

type testEnv struct {
	store    repository.Store
	node     *fakeNode
	mgr      *Manager
	profiles *config.Profiles
}

const testServerKey = "aW5zZWN1cmUtdGVzdC1zZXJ2ZXIta2V5LTMyLWJ5dGVz"

func defaultProfilesYAML(nodeURL string) string {
	return fmt.Sprintf(`
nodes:
  - url: %[1]s
    hostname: vpn.example.org
    wireguard_public_key: %[2]s
    wireguard_port: 51820
profiles:
  - profile_id: office
    display_name: Office
    openvpn: true
    wireguard: true
    node_urls: [%[1]s]
    range: 10.10.0.0/28
    range6: fd00:1234::/64
    udp_ports: [1194]
    tcp_ports: [443]
    dns: [9.9.9.9]
    default_gateway: true
`, nodeURL, testServerKey)
}

func newTestEnv(t *testing.T, yamlFor func(nodeURL string) string, extraHooks ...Hook) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := bootstrap.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Up(db))

	store := sqlite.NewStore(db, 1)
	require.NoError(t, store.Users().Upsert(ctx, &repository.User{UserID: "alice", LastSeen: time.Now().Unix()}))

	node := newFakeNode(t)
	if yamlFor == nil {
		yamlFor = defaultProfilesYAML
	}
	profiles, err := config.ParseProfiles([]byte(yamlFor(node.srv.URL)))
	require.NoError(t, err)

	authority, err := ca.NewFileCA(t.TempDir(), "Test VPN CA")
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	hooks := append([]Hook{NewConnectionLogHook(store)}, extraHooks...)
	client := nodeclient.NewClient(2*time.Second, "", logger)
	mgr := NewManager(store, profiles, client, authority, NewMulti(logger, hooks...), logger)

	return &testEnv{store: store, node: node, mgr: mgr, profiles: profiles}
}

// staleSnapshotStore hides existing claims from the allocator, standing in
// for a concurrent connect that read the allocation list before a rival
// insert landed.
type staleSnapshotStore struct {
	repository.Store
}

func (s *staleSnapshotStore) WGPeers() repository.WGPeerRepository {
	return &staleSnapshotPeers{WGPeerRepository: s.Store.WGPeers()}
}

type staleSnapshotPeers struct {
	repository.WGPeerRepository
}

func (p *staleSnapshotPeers) AllocatedIPFour(ctx context.Context, profileID string, nodeNumber int) ([]string, error) {
	return nil, nil
}

func wgRequest(expiresAt time.Time) *ConnectRequest {
	return &ConnectRequest{
		ProfileID:   "office",
		UserID:      "alice",
		DisplayName: "Laptop",
		Proto:       protocol.WireGuard,
		ExpiresAt:   expiresAt,
	}
}

func TestConnectWireGuard(t *testing.T) {
	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	t.Run("generates a keypair when none is supplied", func(t *testing.T) {
		env := newTestEnv(t, nil)

		cfg, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		require.NoError(t, err)
		assert.Equal(t, protocol.WireGuard, cfg.Proto)
		assert.Contains(t, cfg.Config, "PrivateKey = ")
		assert.Contains(t, cfg.Config, "PublicKey = "+testServerKey)
		assert.Contains(t, cfg.Config, "Endpoint = vpn.example.org:51820")
		assert.Contains(t, cfg.Config, "AllowedIPs = 0.0.0.0/0, ::/0")

		peer, err := env.store.WGPeers().FindByPublicKey(ctx, cfg.ConnectionID)
		require.NoError(t, err)
		assert.Equal(t, "alice", peer.UserID)
		assert.Equal(t, "10.10.0.2", peer.IPFour)
		assert.True(t, env.node.hasPeer(cfg.ConnectionID))

		open, err := env.store.ConnectionLog().ListOpen(ctx, "office")
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, cfg.ConnectionID, open[0].ConnectionID)
	})

	t.Run("uses a caller-supplied public key without a private key", func(t *testing.T) {
		env := newTestEnv(t, nil)
		keyPair, err := wgkey.Generate()
		require.NoError(t, err)

		req := wgRequest(expiresAt)
		req.PublicKey = keyPair.PublicKey
		cfg, err := env.mgr.Connect(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, keyPair.PublicKey, cfg.ConnectionID)
		assert.NotContains(t, cfg.Config, "PrivateKey")
	})

	t.Run("rejects a malformed public key", func(t *testing.T) {
		env := newTestEnv(t, nil)
		req := wgRequest(expiresAt)
		req.PublicKey = "not-a-key"
		_, err := env.mgr.Connect(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidPublicKey)
	})

	t.Run("fails when the node has no registered key", func(t *testing.T) {
		env := newTestEnv(t, func(nodeURL string) string {
			return strings.Replace(defaultProfilesYAML(nodeURL), "wireguard_public_key: "+testServerKey, "wireguard_public_key: \"\"", 1)
		})
		_, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		assert.ErrorIs(t, err, ErrNodeNotRegistered)
	})

	t.Run("fails when no node answers", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.node.setDown(true)
		_, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		assert.ErrorIs(t, err, ErrNoNodeAvailable)
	})

	t.Run("unknown profile", func(t *testing.T) {
		env := newTestEnv(t, nil)
		req := wgRequest(expiresAt)
		req.ProfileID = "gone"
		_, err := env.mgr.Connect(ctx, req)
		assert.ErrorIs(t, err, ErrUnknownProfile)
	})

	t.Run("exhausted pool", func(t *testing.T) {
		env := newTestEnv(t, func(nodeURL string) string {
			return strings.Replace(defaultProfilesYAML(nodeURL), "10.10.0.0/28", "10.10.0.0/30", 1)
		})
		_, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		require.NoError(t, err)
		_, err = env.mgr.Connect(ctx, wgRequest(expiresAt))
		assert.ErrorIs(t, err, ErrNoFreeAddress)
	})

	t.Run("loses the insert race for the last address", func(t *testing.T) {
		env := newTestEnv(t, func(nodeURL string) string {
			return strings.Replace(defaultProfilesYAML(nodeURL), "10.10.0.0/28", "10.10.0.0/30", 1)
		})
		_, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		require.NoError(t, err)

		// A rival manager working from a snapshot taken before that insert
		// re-picks the same address. The unique index catches it, and the
		// caller sees pool exhaustion rather than a storage error.
		logger := slog.New(slog.DiscardHandler)
		authority, err := ca.NewFileCA(t.TempDir(), "Test VPN CA")
		require.NoError(t, err)
		rival := NewManager(&staleSnapshotStore{Store: env.store}, env.profiles,
			nodeclient.NewClient(2*time.Second, "", logger), authority, NewMulti(logger), logger)
		_, err = rival.Connect(ctx, wgRequest(expiresAt))
		assert.ErrorIs(t, err, ErrNoFreeAddress)
	})

	t.Run("hook veto aborts the connect", func(t *testing.T) {
		veto := &stubHook{name: "veto", connectErr: errors.New("user gone")}
		env := newTestEnv(t, nil, veto)
		_, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "user gone")

		// The allocation stays behind for housekeeping to reclaim.
		claimed, err := env.store.WGPeers().AllocatedIPFour(ctx, "office", 0)
		require.NoError(t, err)
		assert.Len(t, claimed, 1)
	})
}

func TestConnectOpenVPN(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	cfg, err := env.mgr.Connect(ctx, &ConnectRequest{
		ProfileID:   "office",
		UserID:      "alice",
		DisplayName: "Laptop",
		Proto:       protocol.OpenVPN,
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	assert.Contains(t, cfg.Config, "remote vpn.example.org 1194 udp")
	assert.Contains(t, cfg.Config, "remote vpn.example.org 443 tcp")
	assert.Contains(t, cfg.Config, "<cert>")
	assert.Contains(t, cfg.Config, "<key>")
	assert.Contains(t, cfg.Config, "<ca>")

	cert, err := env.store.Certificates().FindByCommonName(ctx, cfg.ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", cert.UserID)

	open, err := env.store.ConnectionLog().ListOpen(ctx, "office")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "openvpn", open[0].VPNProto)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	t.Run("wireguard closes the log with node counters", func(t *testing.T) {
		env := newTestEnv(t, nil)
		cfg, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		require.NoError(t, err)
		env.node.mu.Lock()
		env.node.counters[cfg.ConnectionID] = [2]int64{1000, 2000}
		env.node.mu.Unlock()

		require.NoError(t, env.mgr.Disconnect(ctx, "alice", "office", cfg.ConnectionID, DisconnectOptions{}))

		_, err = env.store.WGPeers().FindByPublicKey(ctx, cfg.ConnectionID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.False(t, env.node.hasPeer(cfg.ConnectionID))

		open, err := env.store.ConnectionLog().ListOpen(ctx, "office")
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("is idempotent", func(t *testing.T) {
		env := newTestEnv(t, nil)
		cfg, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		require.NoError(t, err)
		require.NoError(t, env.mgr.Disconnect(ctx, "alice", "office", cfg.ConnectionID, DisconnectOptions{}))
		require.NoError(t, env.mgr.Disconnect(ctx, "alice", "office", cfg.ConnectionID, DisconnectOptions{}))
	})

	t.Run("keep record flag retains the row", func(t *testing.T) {
		env := newTestEnv(t, nil)
		cfg, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		require.NoError(t, err)

		require.NoError(t, env.mgr.Disconnect(ctx, "alice", "office", cfg.ConnectionID, DisconnectOptions{KeepRecord: true}))

		_, err = env.store.WGPeers().FindByPublicKey(ctx, cfg.ConnectionID)
		assert.NoError(t, err)
		assert.False(t, env.node.hasPeer(cfg.ConnectionID))

		open, err := env.store.ConnectionLog().ListOpen(ctx, "office")
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("wrong owner is a no-op", func(t *testing.T) {
		env := newTestEnv(t, nil)
		cfg, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		require.NoError(t, err)
		require.NoError(t, env.mgr.Disconnect(ctx, "mallory", "office", cfg.ConnectionID, DisconnectOptions{}))
		_, err = env.store.WGPeers().FindByPublicKey(ctx, cfg.ConnectionID)
		assert.NoError(t, err)
	})
}

func TestDisconnectCascades(t *testing.T) {
	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	t.Run("by auth key with no matches is a no-op", func(t *testing.T) {
		env := newTestEnv(t, nil)
		assert.NoError(t, env.mgr.DisconnectByAuthKey(ctx, "missing"))
	})

	t.Run("by auth key releases every matching session", func(t *testing.T) {
		env := newTestEnv(t, nil)
		authKey := "auth-key-1"
		req := wgRequest(expiresAt)
		req.AuthKey = &authKey
		cfg, err := env.mgr.Connect(ctx, req)
		require.NoError(t, err)

		require.NoError(t, env.mgr.DisconnectByAuthKey(ctx, authKey))
		_, err = env.store.WGPeers().FindByPublicKey(ctx, cfg.ConnectionID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("by user id releases both protocols", func(t *testing.T) {
		env := newTestEnv(t, nil)
		wgCfg, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
		require.NoError(t, err)
		ovpnCfg, err := env.mgr.Connect(ctx, &ConnectRequest{
			ProfileID:   "office",
			UserID:      "alice",
			DisplayName: "Laptop",
			Proto:       protocol.OpenVPN,
			ExpiresAt:   expiresAt,
		})
		require.NoError(t, err)

		require.NoError(t, env.mgr.DisconnectByUserID(ctx, "alice", DisconnectOptions{}))

		_, err = env.store.WGPeers().FindByPublicKey(ctx, wgCfg.ConnectionID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = env.store.Certificates().FindByCommonName(ctx, ovpnCfg.ConnectionID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func TestListReconciliation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	expiresAt := time.Now().Add(24 * time.Hour)

	cfg, err := env.mgr.Connect(ctx, wgRequest(expiresAt))
	require.NoError(t, err)

	// Registered but no handshake yet: node does not report it as live.
	connections, err := env.mgr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, connections["office"])

	env.node.markHandshake(cfg.ConnectionID)
	env.node.mu.Lock()
	env.node.counters[cfg.ConnectionID] = [2]int64{10, 20}
	env.node.mu.Unlock()

	for range 2 {
		connections, err = env.mgr.List(ctx)
		require.NoError(t, err)
		require.Len(t, connections["office"], 1)
		got := connections["office"][0]
		assert.Equal(t, cfg.ConnectionID, got.ConnectionID)
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, int64(10), got.BytesIn)
	}

	// Node-only entries disappear once the store row is gone.
	require.NoError(t, env.store.WGPeers().Delete(ctx, cfg.ConnectionID))
	connections, err = env.mgr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, connections["office"])
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	cfg, err := env.mgr.Connect(ctx, wgRequest(time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	released, err := env.mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	_, err = env.store.WGPeers().FindByPublicKey(ctx, cfg.ConnectionID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.False(t, env.node.hasPeer(cfg.ConnectionID))
}

func TestSyncNodePeers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	cfg, err := env.mgr.Connect(ctx, wgRequest(time.Now().Add(24*time.Hour)))
	require.NoError(t, err)

	// Simulate a node restart losing its peers.
	env.node.mu.Lock()
	env.node.peers = map[string]nodeclient.PeerInfo{}
	env.node.mu.Unlock()

	pushed, err := env.mgr.SyncNodePeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pushed)
	assert.True(t, env.node.hasPeer(cfg.ConnectionID))

	// A second pass finds nothing to repair.
	pushed, err = env.mgr.SyncNodePeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pushed)
}
