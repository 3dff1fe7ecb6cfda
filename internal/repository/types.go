package repository

// User mirrors the users table. Users are created on first successful
// authentication and only ever hard-deleted after their sessions are gone.
type User struct {
	UserID      string
	IsDisabled  bool
	Permissions []string
	AuthData    *string
	LastSeen    int64
}

// Certificate is an OpenVPN session record; the common name doubles as the
// connection id. A non-nil AuthKey marks a configuration issued through an
// OAuth API authorization rather than an interactive portal session.
type Certificate struct {
	PortalNumber int64
	NodeNumber   int
	ProfileID    string
	CommonName   string
	UserID       string
	DisplayName  string
	CreatedAt    int64
	ExpiresAt    int64
	AuthKey      *string
}

// WGPeer is a WireGuard session record; the public key doubles as the
// connection id and is unique across the whole server.
type WGPeer struct {
	PortalNumber int64
	UserID       string
	NodeNumber   int
	ProfileID    string
	DisplayName  string
	PublicKey    string
	IPFour       string
	IPSix        string
	CreatedAt    int64
	ExpiresAt    int64
	AuthKey      *string
}

// ConnectionLogEntry is a historical connection log row. DisconnectedAt is
// nil while the connection is considered open.
type ConnectionLogEntry struct {
	ID             int64
	PortalNumber   int64
	UserID         string
	ProfileID      string
	VPNProto       string
	ConnectionID   string
	IPFour         string
	IPSix          string
	ConnectedAt    int64
	DisconnectedAt *int64
	BytesIn        int64
	BytesOut       int64
}

// LiveStatsRecord is one periodic sample of active connections per profile.
type LiveStatsRecord struct {
	ID              int64
	PortalNumber    int64
	ProfileID       string
	ConnectionCount int64
	CreatedAt       int64
}

// AggregateStatsRecord is the daily rollup of the live samples.
type AggregateStatsRecord struct {
	ID                 int64
	PortalNumber       int64
	Date               string
	ProfileID          string
	MaxConnectionCount int64
	UniqueUserCount    int64
}
