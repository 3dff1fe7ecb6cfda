package sqlite

import (
	"context"
	"database/sql"

	"github.com/creamcroissant/vpnportal/internal/repository"
)

type connectionLogRepo struct {
	db     *sql.DB
	portal int64
}

func (r *connectionLogRepo) Connect(ctx context.Context, entry *repository.ConnectionLogEntry) error {
	const stmt = `INSERT INTO connection_log(portal_number, user_id, profile_id, vpn_proto, connection_id, ip_four, ip_six, connected_at, disconnected_at, bytes_in, bytes_out)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, 0)`
	_, err := r.db.ExecContext(ctx, stmt,
		r.portal,
		entry.UserID,
		entry.ProfileID,
		entry.VPNProto,
		entry.ConnectionID,
		entry.IPFour,
		entry.IPSix,
		entry.ConnectedAt,
	)
	return err
}

func (r *connectionLogRepo) Disconnect(ctx context.Context, userID, profileID, connectionID string, bytesIn, bytesOut, disconnectedAt int64) error {
	// Zero affected rows is fine: the log is telemetry, not a correctness
	// structure, and the open row may already be gone.
	const stmt = `UPDATE connection_log
        SET disconnected_at = ?, bytes_in = ?, bytes_out = ?
        WHERE portal_number = ? AND user_id = ? AND profile_id = ? AND connection_id = ? AND disconnected_at IS NULL`
	_, err := r.db.ExecContext(ctx, stmt, disconnectedAt, bytesIn, bytesOut, r.portal, userID, profileID, connectionID)
	return err
}

func (r *connectionLogRepo) ListOpen(ctx context.Context, profileID string) ([]*repository.ConnectionLogEntry, error) {
	const query = `SELECT id, portal_number, user_id, profile_id, vpn_proto, connection_id, ip_four, ip_six, connected_at, disconnected_at, bytes_in, bytes_out
        FROM connection_log
        WHERE portal_number = ? AND profile_id = ? AND disconnected_at IS NULL
        ORDER BY connected_at ASC`
	rows, err := r.db.QueryContext(ctx, query, r.portal, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*repository.ConnectionLogEntry
	for rows.Next() {
		entry, err := scanConnectionLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *connectionLogRepo) CountOpenByProfile(ctx context.Context) (map[string]int64, error) {
	const query = `SELECT profile_id, COUNT(*)
        FROM connection_log
        WHERE portal_number = ? AND disconnected_at IS NULL
        GROUP BY profile_id`
	rows, err := r.db.QueryContext(ctx, query, r.portal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			profileID string
			count     int64
		)
		if err := rows.Scan(&profileID, &count); err != nil {
			return nil, err
		}
		counts[profileID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *connectionLogRepo) UniqueUserCount(ctx context.Context, profileID string, fromUnix, toUnix int64) (int64, error) {
	const query = `SELECT COUNT(DISTINCT user_id)
        FROM connection_log
        WHERE portal_number = ? AND profile_id = ? AND connected_at >= ? AND connected_at < ?`
	var count int64
	if err := r.db.QueryRowContext(ctx, query, r.portal, profileID, fromUnix, toUnix).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *connectionLogRepo) PurgeBefore(ctx context.Context, closedCutoff, openCutoff int64) (int64, error) {
	const stmt = `DELETE FROM connection_log
        WHERE portal_number = ?
          AND ((disconnected_at IS NOT NULL AND connected_at < ?)
            OR (disconnected_at IS NULL AND connected_at < ?))`
	res, err := r.db.ExecContext(ctx, stmt, r.portal, closedCutoff, openCutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanConnectionLogEntry(row rowScanner) (*repository.ConnectionLogEntry, error) {
	var (
		entry          repository.ConnectionLogEntry
		disconnectedAt sql.NullInt64
	)
	if err := row.Scan(
		&entry.ID,
		&entry.PortalNumber,
		&entry.UserID,
		&entry.ProfileID,
		&entry.VPNProto,
		&entry.ConnectionID,
		&entry.IPFour,
		&entry.IPSix,
		&entry.ConnectedAt,
		&disconnectedAt,
		&entry.BytesIn,
		&entry.BytesOut,
	); err != nil {
		return nil, err
	}
	entry.DisconnectedAt = nullableIntPtr(disconnectedAt)
	return &entry, nil
}
