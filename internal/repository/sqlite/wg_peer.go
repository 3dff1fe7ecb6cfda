package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/creamcroissant/vpnportal/internal/repository"
)

type wgPeerRepo struct {
	db     *sql.DB
	portal int64
}

const wgPeerColumns = `portal_number, user_id, node_number, profile_id, display_name, public_key, ip_four, ip_six, created_at, expires_at, auth_key`

func (r *wgPeerRepo) Add(ctx context.Context, peer *repository.WGPeer) error {
	const stmt = `INSERT INTO wg_peers(` + wgPeerColumns + `)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, stmt,
		r.portal,
		peer.UserID,
		peer.NodeNumber,
		peer.ProfileID,
		peer.DisplayName,
		peer.PublicKey,
		peer.IPFour,
		peer.IPSix,
		peer.CreatedAt,
		peer.ExpiresAt,
		nullableString(peer.AuthKey),
	)
	return translateInsertErr(err)
}

func (r *wgPeerRepo) Delete(ctx context.Context, publicKey string) error {
	const stmt = `DELETE FROM wg_peers WHERE portal_number = ? AND public_key = ?`
	_, err := r.db.ExecContext(ctx, stmt, r.portal, publicKey)
	return err
}

func (r *wgPeerRepo) FindByPublicKey(ctx context.Context, publicKey string) (*repository.WGPeer, error) {
	const query = `SELECT ` + wgPeerColumns + `
        FROM wg_peers
        WHERE portal_number = ? AND public_key = ?`
	row := r.db.QueryRowContext(ctx, query, r.portal, publicKey)
	peer, err := scanWGPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return peer, nil
}

func (r *wgPeerRepo) ListByProfile(ctx context.Context, profileID string, filter repository.ListFilter) ([]*repository.WGPeer, error) {
	query := `SELECT p.portal_number, p.user_id, p.node_number, p.profile_id, p.display_name, p.public_key, p.ip_four, p.ip_six, p.created_at, p.expires_at, p.auth_key
        FROM wg_peers p
        WHERE p.portal_number = ? AND p.profile_id = ?`
	args := []any{r.portal, profileID}
	if filter.ExcludeExpired {
		query += ` AND p.expires_at > ?`
		args = append(args, filter.Now)
	}
	if filter.ExcludeDisabledUser {
		query += ` AND p.user_id NOT IN (SELECT user_id FROM users WHERE is_disabled = 1)`
	}
	query += ` ORDER BY p.created_at ASC`
	return r.list(ctx, query, args...)
}

func (r *wgPeerRepo) ListExpired(ctx context.Context, now int64) ([]*repository.WGPeer, error) {
	const query = `SELECT ` + wgPeerColumns + `
        FROM wg_peers
        WHERE portal_number = ? AND expires_at <= ?`
	return r.list(ctx, query, r.portal, now)
}

func (r *wgPeerRepo) AllocatedIPFour(ctx context.Context, profileID string, nodeNumber int) ([]string, error) {
	const query = `SELECT ip_four
        FROM wg_peers
        WHERE portal_number = ? AND profile_id = ? AND node_number = ?`
	rows, err := r.db.QueryContext(ctx, query, r.portal, profileID, nodeNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return addresses, nil
}

func (r *wgPeerRepo) list(ctx context.Context, query string, args ...any) ([]*repository.WGPeer, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*repository.WGPeer
	for rows.Next() {
		peer, err := scanWGPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return peers, nil
}

func scanWGPeer(row rowScanner) (*repository.WGPeer, error) {
	var (
		peer    repository.WGPeer
		authKey sql.NullString
	)
	if err := row.Scan(
		&peer.PortalNumber,
		&peer.UserID,
		&peer.NodeNumber,
		&peer.ProfileID,
		&peer.DisplayName,
		&peer.PublicKey,
		&peer.IPFour,
		&peer.IPSix,
		&peer.CreatedAt,
		&peer.ExpiresAt,
		&authKey,
	); err != nil {
		return nil, err
	}
	peer.AuthKey = nullableStringPtr(authKey)
	return &peer, nil
}
