package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/creamcroissant/vpnportal/internal/repository"
)

type userRepo struct {
	db *sql.DB
}

func (r *userRepo) FindByID(ctx context.Context, userID string) (*repository.User, error) {
	const query = `SELECT user_id, is_disabled, permission_list, auth_data, last_seen
        FROM users
        WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)

	var (
		user        repository.User
		isDisabled  int
		permissions sql.NullString
		authData    sql.NullString
	)
	if err := row.Scan(&user.UserID, &isDisabled, &permissions, &authData, &user.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	user.IsDisabled = isDisabled != 0
	user.AuthData = nullableStringPtr(authData)
	perms, err := decodeStringSlice(permissions)
	if err != nil {
		return nil, err
	}
	user.Permissions = perms
	return &user, nil
}

func (r *userRepo) Upsert(ctx context.Context, user *repository.User) error {
	permissions, err := encodeStringSlice(user.Permissions)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO users(user_id, is_disabled, permission_list, auth_data, last_seen)
        VALUES(?, 0, ?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            permission_list = excluded.permission_list,
            auth_data = excluded.auth_data,
            last_seen = excluded.last_seen`
	_, err = r.db.ExecContext(ctx, stmt, user.UserID, permissions, nullableString(user.AuthData), user.LastSeen)
	return err
}

func (r *userRepo) SetDisabled(ctx context.Context, userID string, disabled bool) error {
	const stmt = `UPDATE users SET is_disabled = ? WHERE user_id = ?`
	res, err := r.db.ExecContext(ctx, stmt, boolToInt(disabled), userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *userRepo) ListDisabled(ctx context.Context) ([]string, error) {
	const query = `SELECT user_id FROM users WHERE is_disabled = 1 ORDER BY user_id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return userIDs, nil
}

func (r *userRepo) Delete(ctx context.Context, userID string) error {
	const stmt = `DELETE FROM users WHERE user_id = ?`
	_, err := r.db.ExecContext(ctx, stmt, userID)
	return err
}
