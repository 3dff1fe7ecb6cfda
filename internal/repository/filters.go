package repository

// ListFilter narrows session listings server-side. The zero value returns
// every row.
type ListFilter struct {
	// ExcludeExpired drops rows whose expires_at is in the past.
	ExcludeExpired bool
	// ExcludeDisabledUser drops rows belonging to disabled users.
	ExcludeDisabledUser bool
	// Now is the reference timestamp for ExcludeExpired, unix seconds.
	Now int64
}
