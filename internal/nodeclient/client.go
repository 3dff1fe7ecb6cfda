// Package nodeclient provides the HTTP client for the control-plane API of
// the VPN gateway node daemon.
//
// The daemon is reached over the network and may be slow, restarting or
// gone; the portal's store stays the source of truth. Listing and probing
// methods therefore never fail: they log the transport error and return an
// empty result (NodeInfo returns nil, which callers must treat as "node
// down"). Mutating methods return their error so callers can decide whether
// the operation was best-effort or needs a retry.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client represents an HTTP client for communicating with node daemons.
type Client struct {
	authToken string
	client    *http.Client
	logger    *slog.Logger
}

// NewClient creates a node client. One client serves every node; methods
// take the node URL.
func NewClient(timeout time.Duration, authToken string, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// NodeInfo is the daemon's health probe response.
type NodeInfo struct {
	LoadAverage []float64 `json:"load_average"`
	CPUCount    int       `json:"cpu_count"`
}

// PeerInfo describes one registered WireGuard peer on a node.
type PeerInfo struct {
	PublicKey         string   `json:"public_key"`
	IPNet             []string `json:"ip_net"`
	LastHandshakeTime *string  `json:"last_handshake_time"`
	BytesIn           int64    `json:"bytes_in"`
	BytesOut          int64    `json:"bytes_out"`
}

// ConnectionInfo describes one live OpenVPN connection on a node.
type ConnectionInfo struct {
	CommonName string `json:"common_name"`
	IPFour     string `json:"ip_four"`
	IPSix      string `json:"ip_six"`
}

// Info probes a node. It returns nil on any failure; a nil result is the
// signal that the node must be considered down.
func (c *Client) Info(ctx context.Context, nodeURL string) *NodeInfo {
	var info NodeInfo
	if err := c.get(ctx, nodeURL+"/i/node", &info); err != nil {
		c.logger.Warn("node probe failed", "node_url", nodeURL, "error", err)
		return nil
	}
	return &info
}

// PeerList returns the peers registered on a node, keyed by public key.
// With showAll false the daemon only reports peers with a recent handshake.
// On failure the map is empty.
func (c *Client) PeerList(ctx context.Context, nodeURL string, showAll bool) map[string]PeerInfo {
	show := "no"
	if showAll {
		show = "yes"
	}
	var result struct {
		PeerList []PeerInfo `json:"peer_list"`
	}
	if err := c.get(ctx, nodeURL+"/w/peer_list?show_all="+show, &result); err != nil {
		c.logger.Warn("peer list failed", "node_url", nodeURL, "error", err)
		return map[string]PeerInfo{}
	}
	peers := make(map[string]PeerInfo, len(result.PeerList))
	for _, peer := range result.PeerList {
		peers[peer.PublicKey] = peer
	}
	return peers
}

// PeerAdd registers a peer on a node. Registration is idempotent on the
// daemon side. The error is logged and also returned; connection setup
// ignores it (the store row already records the allocation) while the
// re-sync job uses it to schedule a retry.
func (c *Client) PeerAdd(ctx context.Context, nodeURL, publicKey, ipFour, ipSix string) error {
	body := struct {
		PublicKey string   `json:"public_key"`
		IPNet     []string `json:"ip_net"`
	}{
		PublicKey: publicKey,
		IPNet:     []string{ipFour + "/32", ipSix + "/128"},
	}
	if err := c.post(ctx, nodeURL+"/w/add_peer", body, nil); err != nil {
		c.logger.Warn("peer add failed", "node_url", nodeURL, "public_key", publicKey, "error", err)
		return err
	}
	return nil
}

// PeerRemove unregisters a peer and returns its last known counters, or nil
// when the node did not have the peer (nothing to reconcile).
func (c *Client) PeerRemove(ctx context.Context, nodeURL, publicKey string) *PeerInfo {
	body := struct {
		PublicKey string `json:"public_key"`
	}{PublicKey: publicKey}
	var info PeerInfo
	if err := c.post(ctx, nodeURL+"/w/remove_peer", body, &info); err != nil {
		c.logger.Warn("peer remove failed", "node_url", nodeURL, "public_key", publicKey, "error", err)
		return nil
	}
	if info.PublicKey == "" {
		return nil
	}
	return &info
}

// ConnectionList returns the live OpenVPN connections on a node, keyed by
// common name. On failure the map is empty.
func (c *Client) ConnectionList(ctx context.Context, nodeURL string) map[string]ConnectionInfo {
	var result struct {
		ConnectionList []ConnectionInfo `json:"connection_list"`
	}
	if err := c.get(ctx, nodeURL+"/o/connection_list", &result); err != nil {
		c.logger.Warn("connection list failed", "node_url", nodeURL, "error", err)
		return map[string]ConnectionInfo{}
	}
	connections := make(map[string]ConnectionInfo, len(result.ConnectionList))
	for _, conn := range result.ConnectionList {
		connections[conn.CommonName] = conn
	}
	return connections
}

// DisconnectClient kicks an OpenVPN client off a node, best-effort.
func (c *Client) DisconnectClient(ctx context.Context, nodeURL, commonName string) {
	body := struct {
		CommonName string `json:"common_name"`
	}{CommonName: commonName}
	if err := c.post(ctx, nodeURL+"/o/disconnect_client", body, nil); err != nil {
		c.logger.Warn("disconnect client failed", "node_url", nodeURL, "common_name", commonName, "error", err)
	}
}

func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func (c *Client) get(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setAuth(req)
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, url string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: status %d: %s", resp.StatusCode, string(data))
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
