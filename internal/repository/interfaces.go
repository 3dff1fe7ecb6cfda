package repository

import "context"

// TenantStore exposes the repositories whose queries are implicitly scoped
// to one portal number. Several portal processes may share the database;
// going through TenantStore guarantees a query never leaks across tenants.
type TenantStore interface {
	Certificates() CertificateRepository
	WGPeers() WGPeerRepository
	ConnectionLog() ConnectionLogRepository
	Stats() StatsRepository
	PortalNumber() int64
}

// GlobalStore exposes the deliberately cross-tenant queries: user identity
// is shared by all portals, and cascade disconnects (by auth key, by user)
// must reach sessions regardless of which portal created them.
type GlobalStore interface {
	Users() UserRepository
	GlobalSessions() GlobalSessionRepository
}

// Store is what sqlite.NewStore returns; call sites should depend on the
// narrower of the two interfaces.
type Store interface {
	TenantStore
	GlobalStore
}

// CertificateRepository persists OpenVPN session records for one portal.
type CertificateRepository interface {
	Add(ctx context.Context, cert *Certificate) error
	Delete(ctx context.Context, commonName string) error
	FindByCommonName(ctx context.Context, commonName string) (*Certificate, error)
	ListByProfile(ctx context.Context, profileID string, filter ListFilter) ([]*Certificate, error)
	ListExpired(ctx context.Context, now int64) ([]*Certificate, error)
}

// WGPeerRepository persists WireGuard session records for one portal.
type WGPeerRepository interface {
	Add(ctx context.Context, peer *WGPeer) error
	Delete(ctx context.Context, publicKey string) error
	FindByPublicKey(ctx context.Context, publicKey string) (*WGPeer, error)
	ListByProfile(ctx context.Context, profileID string, filter ListFilter) ([]*WGPeer, error)
	ListExpired(ctx context.Context, now int64) ([]*WGPeer, error)
	// AllocatedIPFour returns every IPv4 address currently claimed for the
	// profile and node, expired rows included; a claim only disappears when
	// its row does.
	AllocatedIPFour(ctx context.Context, profileID string, nodeNumber int) ([]string, error)
}

// ConnectionLogRepository appends to and closes the best-effort connection
// log of one portal.
type ConnectionLogRepository interface {
	Connect(ctx context.Context, entry *ConnectionLogEntry) error
	// Disconnect closes the single open row for the connection, filling in
	// the byte counters. Closing a connection with no open row affects zero
	// rows and is not an error.
	Disconnect(ctx context.Context, userID, profileID, connectionID string, bytesIn, bytesOut, disconnectedAt int64) error
	ListOpen(ctx context.Context, profileID string) ([]*ConnectionLogEntry, error)
	CountOpenByProfile(ctx context.Context) (map[string]int64, error)
	UniqueUserCount(ctx context.Context, profileID string, fromUnix, toUnix int64) (int64, error)
	// PurgeBefore deletes closed rows connected before closedCutoff, and
	// open rows connected before openCutoff. OpenVPN rows are closed by the
	// node's disconnect callback, which may never arrive; an open row older
	// than any plausible session lifetime is abandoned and must not pin the
	// open-connection counts forever.
	PurgeBefore(ctx context.Context, closedCutoff, openCutoff int64) (int64, error)
}

// StatsRepository stores the periodic live samples and their daily rollup
// for one portal.
type StatsRepository interface {
	AddLive(ctx context.Context, record *LiveStatsRecord) error
	MaxLiveBetween(ctx context.Context, profileID string, fromUnix, toUnix int64) (int64, error)
	PurgeLiveBefore(ctx context.Context, cutoff int64) (int64, error)
	UpsertAggregate(ctx context.Context, record *AggregateStatsRecord) error
	ListAggregate(ctx context.Context, profileID string, limit int) ([]*AggregateStatsRecord, error)
}

// UserRepository manages the user table shared by every portal.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (*User, error)
	// Upsert records a successful authentication: it creates the user on
	// first login and refreshes last_seen and permissions afterwards.
	Upsert(ctx context.Context, user *User) error
	SetDisabled(ctx context.Context, userID string, disabled bool) error
	ListDisabled(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, userID string) error
}

// GlobalSessionRepository holds the cross-portal session lookups backing
// the cascade disconnect operations.
type GlobalSessionRepository interface {
	CertificatesByAuthKey(ctx context.Context, authKey string) ([]*Certificate, error)
	CertificatesByUserID(ctx context.Context, userID string) ([]*Certificate, error)
	WGPeersByAuthKey(ctx context.Context, authKey string) ([]*WGPeer, error)
	WGPeersByUserID(ctx context.Context, userID string) ([]*WGPeer, error)
	// DeleteCertificate and DeleteWGPeer remove a session row regardless of
	// which portal created it. Common names and public keys are unique
	// across the whole server, so the key alone identifies the row.
	DeleteCertificate(ctx context.Context, commonName string) error
	DeleteWGPeer(ctx context.Context, publicKey string) error
}
