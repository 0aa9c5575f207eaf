package storage

import (
	"fmt"
	"time"

	"github.com/ssd-technologies/kairo/internal/agent"
	"github.com/ssd-technologies/kairo/internal/governance"
)

// QuorumStore is the persistent quorum member directory. It implements
// governance.Directory.
type QuorumStore struct {
	db  *DB
	now func() time.Time
}

// Quorum returns the quorum member store backed by d.
func (d *DB) Quorum() *QuorumStore {
	return &QuorumStore{db: d, now: time.Now}
}

var _ governance.Directory = (*QuorumStore)(nil)

// AddMember inserts or replaces a member. The public key must be a hex
// Ed25519 key.
func (s *QuorumStore) AddMember(m governance.Member) error {
	if m.ID == "" {
		return fmt.Errorf("add quorum member: empty id")
	}
	if _, err := agent.ParsePublicKey(m.PublicKey); err != nil {
		return fmt.Errorf("add quorum member %s: %w", m.ID, err)
	}
	if _, err := m.Role.MarshalText(); err != nil {
		return fmt.Errorf("add quorum member %s: %w", m.ID, err)
	}
	_, err := s.db.db.Exec(
		`INSERT INTO quorum_members (id, public_key, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET public_key = excluded.public_key, role = excluded.role`,
		m.ID, m.PublicKey, m.Role.String(), s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("add quorum member %s: %w", m.ID, err)
	}
	return nil
}

// RemoveMember deletes a member.
func (s *QuorumStore) RemoveMember(id string) error {
	res, err := s.db.db.Exec(`DELETE FROM quorum_members WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove quorum member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove quorum member rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("remove quorum member %s: %w", id, ErrNotFound)
	}
	return nil
}

// Members returns all members ordered by ID.
func (s *QuorumStore) Members() ([]governance.Member, error) {
	rows, err := s.db.db.Query(`SELECT id, public_key, role FROM quorum_members ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list quorum members: %w", err)
	}
	defer rows.Close()

	var members []governance.Member
	for rows.Next() {
		var m governance.Member
		var role string
		if err := rows.Scan(&m.ID, &m.PublicKey, &role); err != nil {
			return nil, fmt.Errorf("scan quorum member: %w", err)
		}
		if m.Role, err = governance.ParseRole(role); err != nil {
			return nil, fmt.Errorf("quorum member %s: %w", m.ID, err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
