package nodeclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return NewClient(2*time.Second, "node-secret", slog.New(slog.DiscardHandler))
}

func TestInfo(t *testing.T) {
	t.Run("returns node info", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/i/node", r.URL.Path)
			assert.Equal(t, "Bearer node-secret", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]any{"load_average": []float64{0.5, 0.25, 0.1}, "cpu_count": 4})
		}))
		defer srv.Close()

		info := newTestClient().Info(context.Background(), srv.URL)
		require.NotNil(t, info)
		assert.Equal(t, 4, info.CPUCount)
		assert.Equal(t, []float64{0.5, 0.25, 0.1}, info.LoadAverage)
	})

	t.Run("returns nil when node is down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		srv.Close()

		assert.Nil(t, newTestClient().Info(context.Background(), srv.URL))
	})

	t.Run("returns nil on error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		assert.Nil(t, newTestClient().Info(context.Background(), srv.URL))
	})
}

func TestPeerList(t *testing.T) {
	t.Run("maps peers by public key", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/w/peer_list", r.URL.Path)
			assert.Equal(t, "yes", r.URL.Query().Get("show_all"))
			json.NewEncoder(w).Encode(map[string]any{
				"peer_list": []map[string]any{
					{"public_key": "pk-1", "ip_net": []string{"10.0.0.2/32", "fd00::2/128"}, "last_handshake_time": nil, "bytes_in": 10, "bytes_out": 20},
					{"public_key": "pk-2", "ip_net": []string{"10.0.0.3/32", "fd00::3/128"}, "last_handshake_time": "2026-08-01T10:00:00Z", "bytes_in": 0, "bytes_out": 0},
				},
			})
		}))
		defer srv.Close()

		peers := newTestClient().PeerList(context.Background(), srv.URL, true)
		require.Len(t, peers, 2)
		assert.Equal(t, int64(10), peers["pk-1"].BytesIn)
		assert.Nil(t, peers["pk-1"].LastHandshakeTime)
		require.NotNil(t, peers["pk-2"].LastHandshakeTime)
	})

	t.Run("returns empty map on failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		peers := newTestClient().PeerList(context.Background(), srv.URL, false)
		assert.NotNil(t, peers)
		assert.Empty(t, peers)
	})
}

func TestPeerAdd(t *testing.T) {
	t.Run("posts the wire format", func(t *testing.T) {
		var got struct {
			PublicKey string   `json:"public_key"`
			IPNet     []string `json:"ip_net"`
		}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/w/add_peer", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		err := newTestClient().PeerAdd(context.Background(), srv.URL, "pk-1", "10.0.0.2", "fd00::2")
		require.NoError(t, err)
		assert.Equal(t, "pk-1", got.PublicKey)
		assert.Equal(t, []string{"10.0.0.2/32", "fd00::2/128"}, got.IPNet)
	})

	t.Run("returns the error on failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		err := newTestClient().PeerAdd(context.Background(), srv.URL, "pk-1", "10.0.0.2", "fd00::2")
		assert.Error(t, err)
	})
}

func TestPeerRemove(t *testing.T) {
	t.Run("returns final counters", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/w/remove_peer", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{
				"public_key": "pk-1",
				"ip_net":     []string{"10.0.0.2/32", "fd00::2/128"},
				"bytes_in":   111,
				"bytes_out":  222,
			})
		}))
		defer srv.Close()

		info := newTestClient().PeerRemove(context.Background(), srv.URL, "pk-1")
		require.NotNil(t, info)
		assert.Equal(t, int64(111), info.BytesIn)
		assert.Equal(t, int64(222), info.BytesOut)
	})

	t.Run("returns nil when the node did not have the peer", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		assert.Nil(t, newTestClient().PeerRemove(context.Background(), srv.URL, "pk-1"))
	})
}

func TestConnectionList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/o/connection_list", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"connection_list": []map[string]any{
				{"common_name": "cn-1", "ip_four": "10.0.1.2", "ip_six": "fd01::2"},
			},
		})
	}))
	defer srv.Close()

	connections := newTestClient().ConnectionList(context.Background(), srv.URL)
	require.Len(t, connections, 1)
	assert.Equal(t, "10.0.1.2", connections["cn-1"].IPFour)
}

func TestDisconnectClient(t *testing.T) {
	var got struct {
		CommonName string `json:"common_name"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/o/disconnect_client", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	newTestClient().DisconnectClient(context.Background(), srv.URL, "cn-1")
	assert.Equal(t, "cn-1", got.CommonName)
}
