package sqlite

import (
	"context"
	"database/sql"

	"github.com/creamcroissant/vpnportal/internal/repository"
)

// globalSessionRepo serves the deliberately cross-portal lookups. No query
// in this file filters on portal_number.
type globalSessionRepo struct {
	db *sql.DB
}

func (r *globalSessionRepo) CertificatesByAuthKey(ctx context.Context, authKey string) ([]*repository.Certificate, error) {
	const query = `SELECT ` + certificateColumns + `
        FROM certificates
        WHERE auth_key = ?`
	return r.certificates(ctx, query, authKey)
}

func (r *globalSessionRepo) CertificatesByUserID(ctx context.Context, userID string) ([]*repository.Certificate, error) {
	const query = `SELECT ` + certificateColumns + `
        FROM certificates
        WHERE user_id = ?`
	return r.certificates(ctx, query, userID)
}

func (r *globalSessionRepo) WGPeersByAuthKey(ctx context.Context, authKey string) ([]*repository.WGPeer, error) {
	const query = `SELECT ` + wgPeerColumns + `
        FROM wg_peers
        WHERE auth_key = ?`
	return r.peers(ctx, query, authKey)
}

func (r *globalSessionRepo) WGPeersByUserID(ctx context.Context, userID string) ([]*repository.WGPeer, error) {
	const query = `SELECT ` + wgPeerColumns + `
        FROM wg_peers
        WHERE user_id = ?`
	return r.peers(ctx, query, userID)
}

func (r *globalSessionRepo) DeleteCertificate(ctx context.Context, commonName string) error {
	const stmt = `DELETE FROM certificates WHERE common_name = ?`
	_, err := r.db.ExecContext(ctx, stmt, commonName)
	return err
}

func (r *globalSessionRepo) DeleteWGPeer(ctx context.Context, publicKey string) error {
	const stmt = `DELETE FROM wg_peers WHERE public_key = ?`
	_, err := r.db.ExecContext(ctx, stmt, publicKey)
	return err
}

func (r *globalSessionRepo) certificates(ctx context.Context, query string, arg any) ([]*repository.Certificate, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var certs []*repository.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return certs, nil
}

func (r *globalSessionRepo) peers(ctx context.Context, query string, arg any) ([]*repository.WGPeer, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
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
