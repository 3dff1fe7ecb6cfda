package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/creamcroissant/vpnportal/internal/repository"
)

type certificateRepo struct {
	db     *sql.DB
	portal int64
}

const certificateColumns = `portal_number, node_number, profile_id, common_name, user_id, display_name, created_at, expires_at, auth_key`

func (r *certificateRepo) Add(ctx context.Context, cert *repository.Certificate) error {
	const stmt = `INSERT INTO certificates(` + certificateColumns + `)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, stmt,
		r.portal,
		cert.NodeNumber,
		cert.ProfileID,
		cert.CommonName,
		cert.UserID,
		cert.DisplayName,
		cert.CreatedAt,
		cert.ExpiresAt,
		nullableString(cert.AuthKey),
	)
	return translateInsertErr(err)
}

func (r *certificateRepo) Delete(ctx context.Context, commonName string) error {
	const stmt = `DELETE FROM certificates WHERE portal_number = ? AND common_name = ?`
	_, err := r.db.ExecContext(ctx, stmt, r.portal, commonName)
	return err
}

func (r *certificateRepo) FindByCommonName(ctx context.Context, commonName string) (*repository.Certificate, error) {
	const query = `SELECT ` + certificateColumns + `
        FROM certificates
        WHERE portal_number = ? AND common_name = ?`
	row := r.db.QueryRowContext(ctx, query, r.portal, commonName)
	cert, err := scanCertificate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return cert, nil
}

func (r *certificateRepo) ListByProfile(ctx context.Context, profileID string, filter repository.ListFilter) ([]*repository.Certificate, error) {
	query := `SELECT c.portal_number, c.node_number, c.profile_id, c.common_name, c.user_id, c.display_name, c.created_at, c.expires_at, c.auth_key
        FROM certificates c
        WHERE c.portal_number = ? AND c.profile_id = ?`
	args := []any{r.portal, profileID}
	if filter.ExcludeExpired {
		query += ` AND c.expires_at > ?`
		args = append(args, filter.Now)
	}
	if filter.ExcludeDisabledUser {
		query += ` AND c.user_id NOT IN (SELECT user_id FROM users WHERE is_disabled = 1)`
	}
	query += ` ORDER BY c.created_at ASC`
	return r.list(ctx, query, args...)
}

func (r *certificateRepo) ListExpired(ctx context.Context, now int64) ([]*repository.Certificate, error) {
	const query = `SELECT ` + certificateColumns + `
        FROM certificates
        WHERE portal_number = ? AND expires_at <= ?`
	return r.list(ctx, query, r.portal, now)
}

func (r *certificateRepo) list(ctx context.Context, query string, args ...any) ([]*repository.Certificate, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row rowScanner) (*repository.Certificate, error) {
	var (
		cert    repository.Certificate
		authKey sql.NullString
	)
	if err := row.Scan(
		&cert.PortalNumber,
		&cert.NodeNumber,
		&cert.ProfileID,
		&cert.CommonName,
		&cert.UserID,
		&cert.DisplayName,
		&cert.CreatedAt,
		&cert.ExpiresAt,
		&authKey,
	); err != nil {
		return nil, err
	}
	cert.AuthKey = nullableStringPtr(authKey)
	return &cert, nil
}
