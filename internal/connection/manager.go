// Package connection orchestrates VPN session lifecycle across the session
// store and the gateway nodes. Session state is never stored as an explicit
// status field: a session exists exactly when its store row exists, and it
// is live exactly when the owning node also reports it. List is the single
// reconciliation point between the two.
package connection

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand/v2"
	"time"

	"github.com/creamcroissant/vpnportal/internal/addrpool"
	"github.com/creamcroissant/vpnportal/internal/ca"
	"github.com/creamcroissant/vpnportal/internal/config"
	"github.com/creamcroissant/vpnportal/internal/nodeclient"
	"github.com/creamcroissant/vpnportal/internal/protocol"
	"github.com/creamcroissant/vpnportal/internal/repository"
	"github.com/creamcroissant/vpnportal/internal/wgkey"
)

var (
	// ErrUnknownProfile is returned when the profile id does not exist in
	// the current configuration.
	ErrUnknownProfile = errors.New("connection: unknown profile")
	// ErrNoNodeAvailable is returned when no node of the profile answered
	// its status probe.
	ErrNoNodeAvailable = errors.New("connection: no node available")
	// ErrNodeNotRegistered is returned when a WireGuard connect lands on a
	// node that has not registered its public key.
	ErrNodeNotRegistered = errors.New("connection: node has no wireguard public key registered")
	// ErrNoFreeAddress is returned when the node's address pool is
	// exhausted, including the case where a concurrent connect claimed the
	// last address first.
	ErrNoFreeAddress = errors.New("connection: no free address")
	// ErrInvalidPublicKey is returned for a caller-supplied WireGuard
	// public key that is not 32 base64 bytes.
	ErrInvalidPublicKey = errors.New("connection: invalid wireguard public key")
)

// Manager implements connect, disconnect, listing and expiry cleanup. It
// holds no per-session state; the store rows are the state.
type Manager struct {
	store     repository.Store
	profiles  *config.Profiles
	node      *nodeclient.Client
	authority ca.CA
	hooks     *Multi
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(store repository.Store, profiles *config.Profiles, node *nodeclient.Client, authority ca.CA, hooks *Multi, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		profiles:  profiles,
		node:      node,
		authority: authority,
		hooks:     hooks,
		logger:    logger,
		now:       time.Now,
	}
}

// ConnectRequest describes one connect call. Proto must already be resolved
// through protocol.Determine; PublicKey is optional and WireGuard-only.
type ConnectRequest struct {
	ProfileID   string
	UserID      string
	DisplayName string
	Proto       protocol.Protocol
	ExpiresAt   time.Time
	PublicKey   string
	AuthKey     *string
}

// DisconnectOptions adjusts disconnect behavior for admin flows.
type DisconnectOptions struct {
	// KeepRecord retains the session row while still removing the session
	// from the node; used when disabling a user must preserve history.
	KeepRecord bool
}

// Connect allocates a session on one of the profile's nodes and returns the
// client configuration. The store row is written before the node is told
// about the session, so a crash in between leaves a record that housekeeping
// can reclaim instead of an orphaned node-side peer.
func (m *Manager) Connect(ctx context.Context, req *ConnectRequest) (*ClientConfig, error) {
	profile := m.profiles.Get(req.ProfileID)
	if profile == nil {
		return nil, ErrUnknownProfile
	}

	nodeNumber, endpoint, err := m.pickNode(ctx, profile)
	if err != nil {
		return nil, err
	}

	switch req.Proto {
	case protocol.OpenVPN:
		return m.connectOpenVPN(ctx, profile, nodeNumber, endpoint, req)
	case protocol.WireGuard:
		return m.connectWireGuard(ctx, profile, nodeNumber, endpoint, req)
	default:
		return nil, fmt.Errorf("connection: unsupported protocol %q", req.Proto)
	}
}

// pickNode probes the profile's nodes in random order and settles on the
// first one that answers. Every node is probed at most once per call.
func (m *Manager) pickNode(ctx context.Context, profile *config.Profile) (int, config.NodeEndpoint, error) {
	for _, n := range mathrand.Perm(profile.NodeCount()) {
		endpoint, err := profile.Node(n)
		if err != nil {
			continue
		}
		if m.node.Info(ctx, endpoint.URL) != nil {
			return n, endpoint, nil
		}
	}
	return 0, config.NodeEndpoint{}, ErrNoNodeAvailable
}

func (m *Manager) connectOpenVPN(ctx context.Context, profile *config.Profile, nodeNumber int, endpoint config.NodeEndpoint, req *ConnectRequest) (*ClientConfig, error) {
	commonName := randomCommonName()

	// Certificate material is security-critical; CA failures propagate.
	certInfo, err := m.authority.ClientCert(ctx, commonName, profile.ProfileID, req.ExpiresAt)
	if err != nil {
		return nil, err
	}

	cert := &repository.Certificate{
		PortalNumber: m.store.PortalNumber(),
		NodeNumber:   nodeNumber,
		ProfileID:    profile.ProfileID,
		CommonName:   commonName,
		UserID:       req.UserID,
		DisplayName:  req.DisplayName,
		CreatedAt:    m.now().Unix(),
		ExpiresAt:    req.ExpiresAt.Unix(),
		AuthKey:      req.AuthKey,
	}
	if err := m.store.Certificates().Add(ctx, cert); err != nil {
		return nil, fmt.Errorf("store certificate: %w", err)
	}

	if err := m.hooks.Connect(ctx, NewEvent(req.UserID, profile.ProfileID, protocol.OpenVPN, commonName, "", "")); err != nil {
		return nil, err
	}

	cfg, err := renderOpenVPN(profile, endpoint, m.authority.CACertPEM(), certInfo.CertPEM, certInfo.KeyPEM)
	if err != nil {
		return nil, err
	}
	return &ClientConfig{
		Proto:        protocol.OpenVPN,
		ProfileID:    profile.ProfileID,
		ConnectionID: commonName,
		Config:       cfg,
		ExpiresAt:    req.ExpiresAt,
	}, nil
}

func (m *Manager) connectWireGuard(ctx context.Context, profile *config.Profile, nodeNumber int, endpoint config.NodeEndpoint, req *ConnectRequest) (*ClientConfig, error) {
	if endpoint.WGPublicKey == "" {
		return nil, ErrNodeNotRegistered
	}

	publicKey := req.PublicKey
	privateKey := ""
	if publicKey == "" {
		keyPair, err := wgkey.Generate()
		if err != nil {
			return nil, err
		}
		publicKey = keyPair.PublicKey
		privateKey = keyPair.PrivateKey
	} else if !wgkey.ValidPublicKey(publicKey) {
		return nil, ErrInvalidPublicKey
	}

	pool, err := addrpool.New(profile.RangeFourPrefix(), profile.RangeSixPrefix(), profile.NodeCount(), nodeNumber)
	if err != nil {
		return nil, err
	}
	claimed, err := m.store.WGPeers().AllocatedIPFour(ctx, profile.ProfileID, nodeNumber)
	if err != nil {
		return nil, fmt.Errorf("list allocated addresses: %w", err)
	}
	inUse := make(map[string]struct{}, len(claimed))
	for _, ip := range claimed {
		inUse[ip] = struct{}{}
	}
	ipFour, ipSix, err := pool.Allocate(inUse)
	if err != nil {
		if errors.Is(err, addrpool.ErrNoFreeAddress) {
			return nil, ErrNoFreeAddress
		}
		return nil, err
	}

	peer := &repository.WGPeer{
		PortalNumber: m.store.PortalNumber(),
		UserID:       req.UserID,
		NodeNumber:   nodeNumber,
		ProfileID:    profile.ProfileID,
		DisplayName:  req.DisplayName,
		PublicKey:    publicKey,
		IPFour:       ipFour.String(),
		IPSix:        ipSix.String(),
		CreatedAt:    m.now().Unix(),
		ExpiresAt:    req.ExpiresAt.Unix(),
		AuthKey:      req.AuthKey,
	}
	if err := m.store.WGPeers().Add(ctx, peer); err != nil {
		// Losing the insert race for the last free address is the same
		// outcome as finding the pool empty. Any other duplicate (a reused
		// public key) stays a loud failure.
		if errors.Is(err, repository.ErrDuplicateAddress) {
			return nil, ErrNoFreeAddress
		}
		return nil, fmt.Errorf("store peer: %w", err)
	}

	// The store row is authoritative. A failed push leaves the session in
	// the allocated-but-unregistered state that the peer sync job repairs.
	if err := m.node.PeerAdd(ctx, endpoint.URL, publicKey, peer.IPFour, peer.IPSix); err != nil {
		m.logger.Warn("peer not registered on node yet",
			slog.String("node_url", endpoint.URL),
			slog.String("public_key", publicKey))
	}

	if err := m.hooks.Connect(ctx, NewEvent(req.UserID, profile.ProfileID, protocol.WireGuard, publicKey, peer.IPFour, peer.IPSix)); err != nil {
		return nil, err
	}

	cfg, err := renderWireGuard(profile, endpoint, privateKey, peer.IPFour, peer.IPSix)
	if err != nil {
		return nil, err
	}
	return &ClientConfig{
		Proto:        protocol.WireGuard,
		ProfileID:    profile.ProfileID,
		ConnectionID: publicKey,
		Config:       cfg,
		ExpiresAt:    req.ExpiresAt,
	}, nil
}

// Disconnect releases one session. The peer table is checked before the
// certificate table, so a connection id that somehow matches rows in both
// resolves as WireGuard. Disconnecting an unknown or already-released
// connection id is a no-op.
func (m *Manager) Disconnect(ctx context.Context, userID, profileID, connectionID string, opts DisconnectOptions) error {
	peer, err := m.store.WGPeers().FindByPublicKey(ctx, connectionID)
	if err == nil {
		if peer.UserID != userID || peer.ProfileID != profileID {
			return nil
		}
		return m.disconnectPeer(ctx, peer, opts, false)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	cert, err := m.store.Certificates().FindByCommonName(ctx, connectionID)
	if err == nil {
		if cert.UserID != userID || cert.ProfileID != profileID {
			return nil
		}
		return m.disconnectCertificate(ctx, cert, opts, false)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return nil
}

// DisconnectByAuthKey releases every session created under the given
// authorization, across all portals sharing the database. Each session is
// released independently; a failure mid-loop leaves rows that still carry
// the auth key, so a retry or the next housekeeping sweep finishes the job.
func (m *Manager) DisconnectByAuthKey(ctx context.Context, authKey string) error {
	peers, err := m.store.GlobalSessions().WGPeersByAuthKey(ctx, authKey)
	if err != nil {
		return err
	}
	certs, err := m.store.GlobalSessions().CertificatesByAuthKey(ctx, authKey)
	if err != nil {
		return err
	}
	return m.disconnectAll(ctx, peers, certs, DisconnectOptions{})
}

// DisconnectByUserID releases every session of one user, across all portals
// sharing the database.
func (m *Manager) DisconnectByUserID(ctx context.Context, userID string, opts DisconnectOptions) error {
	peers, err := m.store.GlobalSessions().WGPeersByUserID(ctx, userID)
	if err != nil {
		return err
	}
	certs, err := m.store.GlobalSessions().CertificatesByUserID(ctx, userID)
	if err != nil {
		return err
	}
	return m.disconnectAll(ctx, peers, certs, opts)
}

func (m *Manager) disconnectAll(ctx context.Context, peers []*repository.WGPeer, certs []*repository.Certificate, opts DisconnectOptions) error {
	var errs []error
	for _, peer := range peers {
		if err := m.disconnectPeer(ctx, peer, opts, true); err != nil {
			errs = append(errs, err)
		}
	}
	for _, cert := range certs {
		if err := m.disconnectCertificate(ctx, cert, opts, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) disconnectPeer(ctx context.Context, peer *repository.WGPeer, opts DisconnectOptions, global bool) error {
	if !opts.KeepRecord {
		if err := m.deletePeerRow(ctx, peer.PublicKey, global); err != nil {
			return fmt.Errorf("delete peer row: %w", err)
		}
	}

	// A profile removed from the configuration leaves no node to talk to;
	// deleting the row is all that can be done.
	profile := m.profiles.Get(peer.ProfileID)
	if profile == nil {
		return nil
	}

	event := NewEvent(peer.UserID, peer.ProfileID, protocol.WireGuard, peer.PublicKey, peer.IPFour, peer.IPSix)
	if endpoint, err := profile.Node(peer.NodeNumber); err == nil {
		if counters := m.node.PeerRemove(ctx, endpoint.URL, peer.PublicKey); counters != nil {
			event.BytesIn = counters.BytesIn
			event.BytesOut = counters.BytesOut
			m.logger.Info("peer removed from node",
				slog.String("public_key", peer.PublicKey),
				slog.Int64("bytes_in", counters.BytesIn),
				slog.Int64("bytes_out", counters.BytesOut))
		}
	}
	m.hooks.Disconnect(ctx, event)
	return nil
}

func (m *Manager) disconnectCertificate(ctx context.Context, cert *repository.Certificate, opts DisconnectOptions, global bool) error {
	if !opts.KeepRecord {
		if err := m.deleteCertRow(ctx, cert.CommonName, global); err != nil {
			return fmt.Errorf("delete certificate row: %w", err)
		}
	}

	profile := m.profiles.Get(cert.ProfileID)
	if profile == nil {
		return nil
	}

	if endpoint, err := profile.Node(cert.NodeNumber); err == nil {
		m.node.DisconnectClient(ctx, endpoint.URL, cert.CommonName)
	}
	// Byte counters for OpenVPN arrive through the node's own disconnect
	// callback, which also closes the log row. Hooks fire without them.
	m.hooks.Disconnect(ctx, NewEvent(cert.UserID, cert.ProfileID, protocol.OpenVPN, cert.CommonName, "", ""))
	return nil
}

func (m *Manager) deletePeerRow(ctx context.Context, publicKey string, global bool) error {
	if global {
		return m.store.GlobalSessions().DeleteWGPeer(ctx, publicKey)
	}
	return m.store.WGPeers().Delete(ctx, publicKey)
}

func (m *Manager) deleteCertRow(ctx context.Context, commonName string, global bool) error {
	if global {
		return m.store.GlobalSessions().DeleteCertificate(ctx, commonName)
	}
	return m.store.Certificates().Delete(ctx, commonName)
}

// ActiveConnection is one session confirmed by both the store and its node.
type ActiveConnection struct {
	UserID       string            `json:"user_id"`
	ProfileID    string            `json:"profile_id"`
	Proto        protocol.Protocol `json:"-"`
	VPNProto     string            `json:"vpn_proto"`
	ConnectionID string            `json:"connection_id"`
	DisplayName  string            `json:"display_name"`
	IPFour       string            `json:"ip_four,omitempty"`
	IPSix        string            `json:"ip_six,omitempty"`
	ExpiresAt    int64             `json:"expires_at"`
	BytesIn      int64             `json:"bytes_in,omitempty"`
	BytesOut     int64             `json:"bytes_out,omitempty"`
}

// List reconciles the store against the nodes and returns, per profile, the
// sessions both sides agree on. Store rows for sessions a node no longer
// knows, and node entries without a store row, are both excluded. An
// unreachable node contributes nothing but does not fail the listing.
func (m *Manager) List(ctx context.Context) (map[string][]*ActiveConnection, error) {
	now := m.now().Unix()
	filter := repository.ListFilter{ExcludeExpired: true, ExcludeDisabledUser: true, Now: now}

	// Profiles may share nodes; each node URL is queried at most once.
	peerLists := map[string]map[string]nodeclient.PeerInfo{}
	connLists := map[string]map[string]nodeclient.ConnectionInfo{}

	result := make(map[string][]*ActiveConnection)
	for _, profile := range m.profiles.All() {
		connections := []*ActiveConnection{}
		caps := profile.Caps()

		if caps.WireGuard {
			peers, err := m.store.WGPeers().ListByProfile(ctx, profile.ProfileID, filter)
			if err != nil {
				return nil, err
			}
			for _, peer := range peers {
				endpoint, err := profile.Node(peer.NodeNumber)
				if err != nil {
					continue
				}
				live, ok := peerLists[endpoint.URL]
				if !ok {
					live = m.node.PeerList(ctx, endpoint.URL, false)
					peerLists[endpoint.URL] = live
				}
				info, ok := live[peer.PublicKey]
				if !ok {
					continue
				}
				connections = append(connections, &ActiveConnection{
					UserID:       peer.UserID,
					ProfileID:    peer.ProfileID,
					Proto:        protocol.WireGuard,
					VPNProto:     protocol.WireGuard.String(),
					ConnectionID: peer.PublicKey,
					DisplayName:  peer.DisplayName,
					IPFour:       peer.IPFour,
					IPSix:        peer.IPSix,
					ExpiresAt:    peer.ExpiresAt,
					BytesIn:      info.BytesIn,
					BytesOut:     info.BytesOut,
				})
			}
		}

		if caps.OpenVPN {
			certs, err := m.store.Certificates().ListByProfile(ctx, profile.ProfileID, filter)
			if err != nil {
				return nil, err
			}
			for _, cert := range certs {
				endpoint, err := profile.Node(cert.NodeNumber)
				if err != nil {
					continue
				}
				live, ok := connLists[endpoint.URL]
				if !ok {
					live = m.node.ConnectionList(ctx, endpoint.URL)
					connLists[endpoint.URL] = live
				}
				info, ok := live[cert.CommonName]
				if !ok {
					continue
				}
				connections = append(connections, &ActiveConnection{
					UserID:       cert.UserID,
					ProfileID:    cert.ProfileID,
					Proto:        protocol.OpenVPN,
					VPNProto:     protocol.OpenVPN.String(),
					ConnectionID: cert.CommonName,
					DisplayName:  cert.DisplayName,
					IPFour:       info.IPFour,
					IPSix:        info.IPSix,
					ExpiresAt:    cert.ExpiresAt,
				})
			}
		}

		result[profile.ProfileID] = connections
	}
	return result, nil
}

// CleanupExpired releases every expired session of this portal: row deleted,
// node told, disconnect hooks fired. Returns the number of sessions
// released.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now().Unix()
	released := 0

	peers, err := m.store.WGPeers().ListExpired(ctx, now)
	if err != nil {
		return released, err
	}
	for _, peer := range peers {
		if err := m.disconnectPeer(ctx, peer, DisconnectOptions{}, false); err != nil {
			return released, err
		}
		released++
	}

	certs, err := m.store.Certificates().ListExpired(ctx, now)
	if err != nil {
		return released, err
	}
	for _, cert := range certs {
		if err := m.disconnectCertificate(ctx, cert, DisconnectOptions{}, false); err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// SyncNodePeers re-pushes store peers that their node does not know about,
// repairing sessions whose registration was lost to a node restart or a
// failed push during connect. Returns the number of peers pushed.
func (m *Manager) SyncNodePeers(ctx context.Context) (int, error) {
	now := m.now().Unix()
	filter := repository.ListFilter{ExcludeExpired: true, Now: now}
	pushed := 0

	for _, profile := range m.profiles.All() {
		if !profile.Caps().WireGuard {
			continue
		}
		peers, err := m.store.WGPeers().ListByProfile(ctx, profile.ProfileID, filter)
		if err != nil {
			return pushed, err
		}

		registered := map[int]map[string]nodeclient.PeerInfo{}
		for _, peer := range peers {
			endpoint, err := profile.Node(peer.NodeNumber)
			if err != nil {
				continue
			}
			known, ok := registered[peer.NodeNumber]
			if !ok {
				if m.node.Info(ctx, endpoint.URL) == nil {
					// Node down; nothing to compare against.
					registered[peer.NodeNumber] = nil
					continue
				}
				known = m.node.PeerList(ctx, endpoint.URL, true)
				registered[peer.NodeNumber] = known
			}
			if known == nil {
				continue
			}
			if _, ok := known[peer.PublicKey]; ok {
				continue
			}
			if err := m.node.PeerAdd(ctx, endpoint.URL, peer.PublicKey, peer.IPFour, peer.IPSix); err != nil {
				return pushed, fmt.Errorf("re-register peer %s: %w", peer.PublicKey, err)
			}
			pushed++
		}
	}
	return pushed, nil
}

// randomCommonName returns 32 random bytes in url-safe base64, the format
// node daemons accept as an OpenVPN common name.
func randomCommonName() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
