package repository

import "errors"

var (
	// ErrNotFound indicates a query returned no row.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate indicates an insert hit a uniqueness constraint. The
	// store relies on the database to enforce connection-id and address
	// uniqueness, so callers must translate rather than swallow this.
	ErrDuplicate = errors.New("repository: duplicate entry")
	// ErrDuplicateAddress indicates an insert lost an address-allocation
	// race: another row already claims the same IPv4 address for the same
	// profile and node.
	ErrDuplicateAddress = errors.New("repository: address already allocated")
)
