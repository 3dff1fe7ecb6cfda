package connection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/creamcroissant/vpnportal/internal/protocol"
	"github.com/creamcroissant/vpnportal/internal/repository"
)

// Event carries the facts about one connect or disconnect that observers
// may care about. Byte counters are only meaningful on WireGuard
// disconnects; everywhere else they are zero.
type Event struct {
	ID           string
	UserID       string
	ProfileID    string
	Proto        protocol.Protocol
	ConnectionID string
	IPFour       string
	IPSix        string
	BytesIn      int64
	BytesOut     int64
	OccurredAt   time.Time
}

// NewEvent builds an Event with a fresh id and timestamp.
func NewEvent(userID, profileID string, proto protocol.Protocol, connectionID, ipFour, ipSix string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		UserID:       userID,
		ProfileID:    profileID,
		Proto:        proto,
		ConnectionID: connectionID,
		IPFour:       ipFour,
		IPSix:        ipSix,
		OccurredAt:   time.Now().UTC(),
	}
}

// Hook observes connection lifecycle events. A Connect error vetoes the
// connection; Disconnect errors are reported but never block the release of
// a session.
type Hook interface {
	Name() string
	Connect(ctx context.Context, ev *Event) error
	Disconnect(ctx context.Context, ev *Event) error
}

// Multi runs an ordered list of hooks with the chain semantics the manager
// relies on.
type Multi struct {
	hooks  []Hook
	logger *slog.Logger
}

func NewMulti(logger *slog.Logger, hooks ...Hook) *Multi {
	return &Multi{hooks: hooks, logger: logger}
}

// Connect runs the hooks in order and stops at the first error, which is
// returned to the caller.
func (m *Multi) Connect(ctx context.Context, ev *Event) error {
	for _, h := range m.hooks {
		if err := h.Connect(ctx, ev); err != nil {
			return fmt.Errorf("connect hook %s: %w", h.Name(), err)
		}
	}
	return nil
}

// Disconnect runs every hook regardless of earlier failures; errors are
// logged and swallowed so cleanup always completes.
func (m *Multi) Disconnect(ctx context.Context, ev *Event) {
	for _, h := range m.hooks {
		if err := h.Disconnect(ctx, ev); err != nil {
			m.logger.Error("disconnect hook failed",
				slog.String("hook", h.Name()),
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()))
		}
	}
}

// LogHook writes one structured log line per event.
type LogHook struct {
	logger *slog.Logger
}

func NewLogHook(logger *slog.Logger) *LogHook {
	return &LogHook{logger: logger}
}

func (h *LogHook) Name() string { return "log" }

func (h *LogHook) Connect(_ context.Context, ev *Event) error {
	h.logger.Info("client connected", eventAttrs(ev)...)
	return nil
}

func (h *LogHook) Disconnect(_ context.Context, ev *Event) error {
	attrs := append(eventAttrs(ev),
		slog.Int64("bytes_in", ev.BytesIn),
		slog.Int64("bytes_out", ev.BytesOut))
	h.logger.Info("client disconnected", attrs...)
	return nil
}

func eventAttrs(ev *Event) []any {
	return []any{
		slog.String("event_id", ev.ID),
		slog.String("user_id", ev.UserID),
		slog.String("profile_id", ev.ProfileID),
		slog.String("proto", ev.Proto.String()),
		slog.String("connection_id", ev.ConnectionID),
	}
}

// ConnectionLogHook maintains the connection_log table: it opens a row on
// connect and closes it on WireGuard disconnect. OpenVPN rows are closed by
// the node daemon's own disconnect callback, which carries the byte
// counters this side never sees, so Disconnect leaves them alone here.
type ConnectionLogHook struct {
	log    repository.ConnectionLogRepository
	portal int64
}

func NewConnectionLogHook(store repository.TenantStore) *ConnectionLogHook {
	return &ConnectionLogHook{log: store.ConnectionLog(), portal: store.PortalNumber()}
}

func (h *ConnectionLogHook) Name() string { return "connection_log" }

func (h *ConnectionLogHook) Connect(ctx context.Context, ev *Event) error {
	return h.log.Connect(ctx, &repository.ConnectionLogEntry{
		PortalNumber: h.portal,
		UserID:       ev.UserID,
		ProfileID:    ev.ProfileID,
		VPNProto:     ev.Proto.String(),
		ConnectionID: ev.ConnectionID,
		IPFour:       ev.IPFour,
		IPSix:        ev.IPSix,
		ConnectedAt:  ev.OccurredAt.Unix(),
	})
}

func (h *ConnectionLogHook) Disconnect(ctx context.Context, ev *Event) error {
	if ev.Proto != protocol.WireGuard {
		return nil
	}
	return h.log.Disconnect(ctx, ev.UserID, ev.ProfileID, ev.ConnectionID,
		ev.BytesIn, ev.BytesOut, ev.OccurredAt.Unix())
}

// ScriptHook runs an external executable for every event, eduvpn-style: the
// event is passed through environment variables, a non-zero exit on connect
// vetoes the connection.
type ScriptHook struct {
	path    string
	timeout time.Duration
}

func NewScriptHook(path string, timeout time.Duration) *ScriptHook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ScriptHook{path: path, timeout: timeout}
}

func (h *ScriptHook) Name() string { return "script" }

func (h *ScriptHook) Connect(ctx context.Context, ev *Event) error {
	return h.run(ctx, "C", ev)
}

func (h *ScriptHook) Disconnect(ctx context.Context, ev *Event) error {
	return h.run(ctx, "D", ev)
}

func (h *ScriptHook) run(ctx context.Context, eventType string, ev *Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.path)
	cmd.Env = append(os.Environ(),
		"EVENT="+eventType,
		"EVENT_ID="+ev.ID,
		"USER_ID="+ev.UserID,
		"PROFILE_ID="+ev.ProfileID,
		"VPN_PROTO="+ev.Proto.String(),
		"CONNECTION_ID="+ev.ConnectionID,
		"IP_FOUR="+ev.IPFour,
		"IP_SIX="+ev.IPSix,
		fmt.Sprintf("BYTES_IN=%d", ev.BytesIn),
		fmt.Sprintf("BYTES_OUT=%d", ev.BytesOut),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("script %s: %w: %s", h.path, err, out)
	}
	return nil
}

// MetricsHook counts connection events per profile and protocol.
type MetricsHook struct {
	connects    *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	bytesIn     *prometheus.CounterVec
	bytesOut    *prometheus.CounterVec
}

func NewMetricsHook(reg prometheus.Registerer) *MetricsHook {
	h := &MetricsHook{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpnportal",
			Name:      "connects_total",
			Help:      "Number of VPN connections established.",
		}, []string{"profile", "proto"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpnportal",
			Name:      "disconnects_total",
			Help:      "Number of VPN connections released.",
		}, []string{"profile", "proto"}),
		bytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpnportal",
			Name:      "session_bytes_in_total",
			Help:      "Bytes received from clients, as reported on WireGuard disconnect.",
		}, []string{"profile"}),
		bytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpnportal",
			Name:      "session_bytes_out_total",
			Help:      "Bytes sent to clients, as reported on WireGuard disconnect.",
		}, []string{"profile"}),
	}
	reg.MustRegister(h.connects, h.disconnects, h.bytesIn, h.bytesOut)
	return h
}

func (h *MetricsHook) Name() string { return "metrics" }

func (h *MetricsHook) Connect(_ context.Context, ev *Event) error {
	h.connects.WithLabelValues(ev.ProfileID, ev.Proto.String()).Inc()
	return nil
}

func (h *MetricsHook) Disconnect(_ context.Context, ev *Event) error {
	h.disconnects.WithLabelValues(ev.ProfileID, ev.Proto.String()).Inc()
	h.bytesIn.WithLabelValues(ev.ProfileID).Add(float64(ev.BytesIn))
	h.bytesOut.WithLabelValues(ev.ProfileID).Add(float64(ev.BytesOut))
	return nil
}
