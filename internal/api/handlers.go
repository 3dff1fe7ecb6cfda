package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/creamcroissant/vpnportal/internal/cache"
	"github.com/creamcroissant/vpnportal/internal/config"
	"github.com/creamcroissant/vpnportal/internal/connection"
	"github.com/creamcroissant/vpnportal/internal/protocol"
	"github.com/creamcroissant/vpnportal/internal/repository"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response JSON", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

const connectionListTTL = 10 * time.Second

// Handler serves the ops API: connection listing, session and user
// management, and stats.
type Handler struct {
	manager  *connection.Manager
	store    repository.Store
	profiles *config.Profiles
	cache    cache.Store
	logger   *slog.Logger
}

func NewHandler(manager *connection.Manager, store repository.Store, profiles *config.Profiles, cacheStore cache.Store, logger *slog.Logger) *Handler {
	return &Handler{
		manager:  manager,
		store:    store,
		profiles: profiles,
		cache:    cacheStore.Namespace("api"),
		logger:   logger,
	}
}

// Connections returns the reconciled per-profile connection list. The
// listing fans out to every node, so results are cached briefly.
func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	var cached map[string][]*connection.ActiveConnection
	if ok, err := h.cache.GetJSON(r.Context(), "connections", &cached); err == nil && ok {
		respondJSON(w, http.StatusOK, cached)
		return
	}

	connections, err := h.manager.List(r.Context())
	if err != nil {
		h.logger.Error("connection listing failed", "error", err)
		respondError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if err := h.cache.SetJSON(r.Context(), "connections", connections, connectionListTTL); err != nil {
		h.logger.Warn("connection list cache write failed", "error", err)
	}
	respondJSON(w, http.StatusOK, connections)
}

type connectRequest struct {
	ProfileID       string `json:"profile_id"`
	UserID          string `json:"user_id"`
	DisplayName     string `json:"display_name"`
	ClientOpenVPN   bool   `json:"client_openvpn"`
	ClientWireGuard bool   `json:"client_wireguard"`
	PreferTCP       bool   `json:"prefer_tcp"`
	PublicKey       string `json:"public_key,omitempty"`
	AuthKey         string `json:"auth_key,omitempty"`
	TTLHours        int    `json:"ttl_hours,omitempty"`
}

// Connect resolves the protocol from the client's capabilities and issues a
// session on one of the profile's nodes.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProfileID == "" || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "profile_id and user_id are required")
		return
	}

	profile := h.profiles.Get(req.ProfileID)
	if profile == nil {
		respondError(w, http.StatusNotFound, "unknown profile")
		return
	}
	proto, err := protocol.Determine(profile.Caps(),
		protocol.ClientCaps{OpenVPN: req.ClientOpenVPN, WireGuard: req.ClientWireGuard},
		req.PublicKey != "", req.PreferTCP)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.store.Users().FindByID(r.Context(), req.UserID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// First connect creates the user record.
		if err := h.store.Users().Upsert(r.Context(), &repository.User{UserID: req.UserID, LastSeen: time.Now().Unix()}); err != nil {
			h.logger.Error("user upsert failed", "user_id", req.UserID, "error", err)
			respondError(w, http.StatusInternalServerError, "connect failed")
			return
		}
	case err != nil:
		h.logger.Error("user lookup failed", "user_id", req.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "connect failed")
		return
	case user.IsDisabled:
		respondError(w, http.StatusForbidden, "user is disabled")
		return
	}

	ttl := time.Duration(req.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	var authKey *string
	if req.AuthKey != "" {
		authKey = &req.AuthKey
	}
	cfg, err := h.manager.Connect(r.Context(), &connection.ConnectRequest{
		ProfileID:   req.ProfileID,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		Proto:       proto,
		ExpiresAt:   time.Now().Add(ttl),
		PublicKey:   req.PublicKey,
		AuthKey:     authKey,
	})
	if err != nil {
		h.respondConnectError(w, err)
		return
	}

	h.cache.Delete(r.Context(), "connections")
	respondJSON(w, http.StatusOK, map[string]any{
		"vpn_proto":     cfg.Proto.String(),
		"profile_id":    cfg.ProfileID,
		"connection_id": cfg.ConnectionID,
		"config":        cfg.Config,
		"expires_at":    cfg.ExpiresAt.Unix(),
	})
}

func (h *Handler) respondConnectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connection.ErrUnknownProfile):
		respondError(w, http.StatusNotFound, "unknown profile")
	case errors.Is(err, connection.ErrNoNodeAvailable),
		errors.Is(err, connection.ErrNoFreeAddress):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, connection.ErrNodeNotRegistered),
		errors.Is(err, connection.ErrInvalidPublicKey):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("connect failed", "error", err)
		respondError(w, http.StatusInternalServerError, "connect failed")
	}
}

type disconnectRequest struct {
	UserID       string `json:"user_id"`
	ProfileID    string `json:"profile_id"`
	ConnectionID string `json:"connection_id"`
	KeepRecord   bool   `json:"keep_record"`
}

// Disconnect releases a single session.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ProfileID == "" || req.ConnectionID == "" {
		respondError(w, http.StatusBadRequest, "user_id, profile_id and connection_id are required")
		return
	}
	if err := h.manager.Disconnect(r.Context(), req.UserID, req.ProfileID, req.ConnectionID, connection.DisconnectOptions{KeepRecord: req.KeepRecord}); err != nil {
		h.logger.Error("disconnect failed", "error", err)
		respondError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	h.cache.Delete(r.Context(), "connections")
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RevokeAuthKey releases every session bound to one authorization, used
// when an OAuth token is revoked.
func (h *Handler) RevokeAuthKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AuthKey string `json:"auth_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AuthKey == "" {
		respondError(w, http.StatusBadRequest, "auth_key is required")
		return
	}
	if err := h.manager.DisconnectByAuthKey(r.Context(), req.AuthKey); err != nil {
		h.logger.Error("auth key revocation failed", "error", err)
		respondError(w, http.StatusInternalServerError, "revocation failed")
		return
	}
	h.cache.Delete(r.Context(), "connections")
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DisableUser marks the user disabled and releases their sessions while
// keeping the rows for history.
func (h *Handler) DisableUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.store.Users().SetDisabled(r.Context(), userID, true); err != nil {
		h.logger.Error("disable user failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "disable failed")
		return
	}
	if err := h.manager.DisconnectByUserID(r.Context(), userID, connection.DisconnectOptions{KeepRecord: true}); err != nil {
		h.logger.Error("disconnect on disable failed", "user_id", userID, "error", err)
	}
	h.cache.Delete(r.Context(), "connections")
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// EnableUser lifts a disable again; sessions released on disable stay
// released until the client reconnects.
func (h *Handler) EnableUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.store.Users().SetDisabled(r.Context(), userID, false); err != nil {
		h.logger.Error("enable user failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "enable failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteUser releases every session of the user and removes the user row;
// the foreign keys cascade any session rows that remain.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.manager.DisconnectByUserID(r.Context(), userID, connection.DisconnectOptions{}); err != nil {
		h.logger.Error("disconnect on delete failed", "user_id", userID, "error", err)
	}
	if err := h.store.Users().Delete(r.Context(), userID); err != nil {
		h.logger.Error("delete user failed", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	h.cache.Delete(r.Context(), "connections")
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AggregateStats returns the daily per-profile rollup rows.
func (h *Handler) AggregateStats(w http.ResponseWriter, r *http.Request) {
	profileID := r.URL.Query().Get("profile_id")
	if profileID == "" {
		respondError(w, http.StatusBadRequest, "profile_id is required")
		return
	}
	rows, err := h.store.Stats().ListAggregate(r.Context(), profileID, 90)
	if err != nil {
		h.logger.Error("aggregate stats failed", "error", err)
		respondError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	type statsRow struct {
		Date               string `json:"date"`
		MaxConnectionCount int64  `json:"max_connection_count"`
		UniqueUserCount    int64  `json:"unique_user_count"`
	}
	out := make([]statsRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, statsRow{Date: row.Date, MaxConnectionCount: row.MaxConnectionCount, UniqueUserCount: row.UniqueUserCount})
	}
	respondJSON(w, http.StatusOK, map[string]any{"profile_id": profileID, "days": out})
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
