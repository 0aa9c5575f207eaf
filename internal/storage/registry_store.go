package storage

import (
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	"github.com/ssd-technologies/kairo/internal/address"
)

// RegistryStore persists address registry snapshots. It implements
// address.Store.
type RegistryStore struct {
	db *DB
}

// Registry returns the registry store backed by d.
func (d *DB) Registry() *RegistryStore {
	return &RegistryStore{db: d}
}

var _ address.Store = (*RegistryStore)(nil)

// Load returns all agents in allocation order.
func (s *RegistryStore) Load() ([]address.Agent, error) {
	rows, err := s.db.db.Query(
		`SELECT id, public_key, p_address, status, registered_at, revoked_at, reissued_from, reissued_to
		 FROM agents ORDER BY position`,
	)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()

	var agents []address.Agent
	for rows.Next() {
		var (
			a                        address.Agent
			addr, status             string
			registered               int64
			revoked                  sql.NullInt64
			reissuedFrom, reissuedTo sql.NullString
			pub                      []byte
		)
		if err := rows.Scan(&a.ID, &pub, &addr, &status, &registered, &revoked, &reissuedFrom, &reissuedTo); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if a.Address, err = netip.ParseAddr(addr); err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		if a.Status, err = address.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		a.PublicKey = pub
		a.RegisteredAt = time.Unix(0, registered).UTC()
		if revoked.Valid {
			a.RevokedAt = time.Unix(0, revoked.Int64).UTC()
		}
		a.ReissuedFrom = reissuedFrom.String
		a.ReissuedTo = reissuedTo.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Save replaces the stored snapshot with agents in one transaction.
func (s *RegistryStore) Save(agents []address.Agent) error {
	tx, err := s.db.db.Begin()
	if err != nil {
		return fmt.Errorf("save agents: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM agents`); err != nil {
		return fmt.Errorf("clear agents: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO agents (id, position, public_key, p_address, status, registered_at, revoked_at, reissued_from, reissued_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare agent insert: %w", err)
	}
	defer stmt.Close()

	for i, a := range agents {
		var revoked sql.NullInt64
		if !a.RevokedAt.IsZero() {
			revoked = sql.NullInt64{Int64: a.RevokedAt.UnixNano(), Valid: true}
		}
		_, err := stmt.Exec(a.ID, i, []byte(a.PublicKey), a.Address.String(), a.Status.String(),
			a.RegisteredAt.UnixNano(), revoked, nullString(a.ReissuedFrom), nullString(a.ReissuedTo))
		if err != nil {
			return fmt.Errorf("insert agent %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
