package sqlite

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/creamcroissant/vpnportal/internal/repository"
)

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullableStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	value := v.String
	return &value
}

func nullableIntPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}

func encodeStringSlice(s []string) (sql.NullString, error) {
	if len(s) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeStringSlice(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var res []string
	if err := json.Unmarshal([]byte(s.String), &res); err != nil {
		return nil, err
	}
	return res, nil
}

// translateInsertErr maps the driver's uniqueness violation onto
// repository.ErrDuplicate. modernc.org/sqlite does not export a stable error
// type for this, so the SQLITE_CONSTRAINT message text is the contract.
func translateInsertErr(err error) error {
	if err == nil {
		return nil
	}
	if msg := err.Error(); strings.Contains(msg, "UNIQUE constraint failed") {
		if strings.Contains(msg, ".ip_four") {
			return repository.ErrDuplicateAddress
		}
		return repository.ErrDuplicate
	}
	return err
}
