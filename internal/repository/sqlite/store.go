// Package sqlite implements the repository interfaces on a SQLite database.
package sqlite

import (
	"database/sql"

	"github.com/creamcroissant/vpnportal/internal/repository"
)

// Store wires SQLite-backed repository implementations. Tenant-scoped
// repositories carry the portal number; the user and global session
// repositories intentionally do not.
type Store struct {
	db           *sql.DB
	portalNumber int64
	certs        repository.CertificateRepository
	peers        repository.WGPeerRepository
	connLog      repository.ConnectionLogRepository
	stats        repository.StatsRepository
	users        repository.UserRepository
	global       repository.GlobalSessionRepository
}

// NewStore constructs a SQLite-backed store scoped to one portal number.
func NewStore(db *sql.DB, portalNumber int64) *Store {
	return &Store{
		db:           db,
		portalNumber: portalNumber,
		certs:        &certificateRepo{db: db, portal: portalNumber},
		peers:        &wgPeerRepo{db: db, portal: portalNumber},
		connLog:      &connectionLogRepo{db: db, portal: portalNumber},
		stats:        &statsRepo{db: db, portal: portalNumber},
		users:        &userRepo{db: db},
		global:       &globalSessionRepo{db: db},
	}
}

func (s *Store) PortalNumber() int64 {
	return s.portalNumber
}

func (s *Store) Certificates() repository.CertificateRepository {
	return s.certs
}

func (s *Store) WGPeers() repository.WGPeerRepository {
	return s.peers
}

func (s *Store) ConnectionLog() repository.ConnectionLogRepository {
	return s.connLog
}

func (s *Store) Stats() repository.StatsRepository {
	return s.stats
}

func (s *Store) Users() repository.UserRepository {
	return s.users
}

func (s *Store) GlobalSessions() repository.GlobalSessionRepository {
	return s.global
}
