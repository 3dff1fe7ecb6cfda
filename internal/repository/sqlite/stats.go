package sqlite

import (
	"context"
	"database/sql"

	"github.com/creamcroissant/vpnportal/internal/repository"
)

type statsRepo struct {
	db     *sql.DB
	portal int64
}

func (r *statsRepo) AddLive(ctx context.Context, record *repository.LiveStatsRecord) error {
	const stmt = `INSERT INTO live_stats(portal_number, profile_id, connection_count, created_at)
        VALUES(?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, stmt, r.portal, record.ProfileID, record.ConnectionCount, record.CreatedAt)
	return err
}

func (r *statsRepo) MaxLiveBetween(ctx context.Context, profileID string, fromUnix, toUnix int64) (int64, error) {
	const query = `SELECT COALESCE(MAX(connection_count), 0)
        FROM live_stats
        WHERE portal_number = ? AND profile_id = ? AND created_at >= ? AND created_at < ?`
	var max int64
	if err := r.db.QueryRowContext(ctx, query, r.portal, profileID, fromUnix, toUnix).Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (r *statsRepo) PurgeLiveBefore(ctx context.Context, cutoff int64) (int64, error) {
	const stmt = `DELETE FROM live_stats WHERE portal_number = ? AND created_at < ?`
	res, err := r.db.ExecContext(ctx, stmt, r.portal, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *statsRepo) UpsertAggregate(ctx context.Context, record *repository.AggregateStatsRecord) error {
	const stmt = `INSERT INTO aggregate_stats(portal_number, date, profile_id, max_connection_count, unique_user_count)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(portal_number, date, profile_id) DO UPDATE SET
            max_connection_count = excluded.max_connection_count,
            unique_user_count = excluded.unique_user_count`
	_, err := r.db.ExecContext(ctx, stmt, r.portal, record.Date, record.ProfileID, record.MaxConnectionCount, record.UniqueUserCount)
	return err
}

func (r *statsRepo) ListAggregate(ctx context.Context, profileID string, limit int) ([]*repository.AggregateStatsRecord, error) {
	if limit <= 0 {
		limit = 31
	}
	if limit > 366 {
		limit = 366
	}
	const query = `SELECT id, portal_number, date, profile_id, max_connection_count, unique_user_count
        FROM aggregate_stats
        WHERE portal_number = ? AND profile_id = ?
        ORDER BY date DESC
        LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, r.portal, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*repository.AggregateStatsRecord, 0, limit)
	for rows.Next() {
		var record repository.AggregateStatsRecord
		if err := rows.Scan(
			&record.ID,
			&record.PortalNumber,
			&record.Date,
			&record.ProfileID,
			&record.MaxConnectionCount,
			&record.UniqueUserCount,
		); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
