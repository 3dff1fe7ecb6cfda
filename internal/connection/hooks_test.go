package connection

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/vpnportal/internal/bootstrap"
	"github.com/creamcroissant/vpnportal/internal/migrations"
	"github.com/creamcroissant/vpnportal/internal/protocol"
	"github.com/creamcroissant/vpnportal/internal/repository"
	"github.com/creamcroissant/vpnportal/internal/repository/sqlite"
)

type stubHook struct {
	name          string
	connectErr    error
	disconnectErr error
	connects      int
	disconnects   int
}

func (h *stubHook) Name() string { return h.name }

func (h *stubHook) Connect(context.Context, *Event) error {
	h.connects++
	return h.connectErr
}

func (h *stubHook) Disconnect(context.Context, *Event) error {
	h.disconnects++
	return h.disconnectErr
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	event := NewEvent("alice", "office", protocol.WireGuard, "pk", "10.0.0.2", "fd00::2")

	t.Run("connect stops at the first failing hook", func(t *testing.T) {
		first := &stubHook{name: "first"}
		veto := &stubHook{name: "veto", connectErr: errors.New("rejected")}
		last := &stubHook{name: "last"}

		err := NewMulti(logger, first, veto, last).Connect(ctx, event)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "veto")
		assert.Equal(t, 1, first.connects)
		assert.Equal(t, 0, last.connects)
	})

	t.Run("disconnect runs every hook despite failures", func(t *testing.T) {
		failing := &stubHook{name: "failing", disconnectErr: errors.New("backend down")}
		last := &stubHook{name: "last"}

		NewMulti(logger, failing, last).Disconnect(ctx, event)
		assert.Equal(t, 1, failing.disconnects)
		assert.Equal(t, 1, last.disconnects)
	})
}

func TestConnectionLogHook(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) repository.Store {
		t.Helper()
		db, err := bootstrap.OpenSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		require.NoError(t, migrations.Up(db))
		store := sqlite.NewStore(db, 1)
		require.NoError(t, store.Users().Upsert(ctx, &repository.User{UserID: "alice", LastSeen: time.Now().Unix()}))
		return store
	}

	t.Run("opens on connect and closes on wireguard disconnect", func(t *testing.T) {
		store := newStore(t)
		hook := NewConnectionLogHook(store)
		event := NewEvent("alice", "office", protocol.WireGuard, "pk", "10.0.0.2", "fd00::2")

		require.NoError(t, hook.Connect(ctx, event))
		open, err := store.ConnectionLog().ListOpen(ctx, "office")
		require.NoError(t, err)
		require.Len(t, open, 1)

		closing := NewEvent("alice", "office", protocol.WireGuard, "pk", "10.0.0.2", "fd00::2")
		closing.BytesIn, closing.BytesOut = 100, 200
		require.NoError(t, hook.Disconnect(ctx, closing))
		open, err = store.ConnectionLog().ListOpen(ctx, "office")
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("leaves openvpn rows for the node callback", func(t *testing.T) {
		store := newStore(t)
		hook := NewConnectionLogHook(store)
		event := NewEvent("alice", "office", protocol.OpenVPN, "cn", "", "")

		require.NoError(t, hook.Connect(ctx, event))
		require.NoError(t, hook.Disconnect(ctx, event))

		open, err := store.ConnectionLog().ListOpen(ctx, "office")
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})
}

func TestScriptHook(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	marker := filepath.Join(dir, "seen")

	// The script resolves cat through PATH, so it only succeeds when the
	// hook inherits the parent environment alongside the event variables.
	script := filepath.Join(dir, "hook.sh")
	body := "#!/bin/sh\n" +
		"[ -n \"$PATH\" ] || exit 1\n" +
		"[ \"$EVENT\" = C ] || exit 1\n" +
		"printf '%s %s' \"$USER_ID\" \"$PROFILE_ID\" | cat > " + marker + "\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o700))

	hook := NewScriptHook(script, 5*time.Second)
	event := NewEvent("alice", "office", protocol.WireGuard, "pk", "10.0.0.2", "fd00::2")
	require.NoError(t, hook.Connect(ctx, event))

	out, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "alice office", string(out))

	// A non-zero exit on connect surfaces as an error so the manager can
	// veto the connection.
	deny := filepath.Join(dir, "deny.sh")
	require.NoError(t, os.WriteFile(deny, []byte("#!/bin/sh\nexit 1\n"), 0o700))
	assert.Error(t, NewScriptHook(deny, 5*time.Second).Connect(ctx, event))
}
