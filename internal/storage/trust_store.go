package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ssd-technologies/kairo/internal/trust"
)

// TrustStore persists trust records. It implements trust.RecordStore.
type TrustStore struct {
	db *DB
}

// Trust returns the trust record store backed by d.
func (d *DB) Trust() *TrustStore {
	return &TrustStore{db: d}
}

var _ trust.RecordStore = (*TrustStore)(nil)

// LoadRecords returns every stored record.
func (s *TrustStore) LoadRecords() ([]trust.Record, error) {
	rows, err := s.db.db.Query(
		`SELECT agent_id, self_trust, baseline, scope, score, anomalous, updated_at
		 FROM trust_records ORDER BY agent_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("load trust records: %w", err)
	}
	defer rows.Close()

	var records []trust.Record
	for rows.Next() {
		var (
			r         trust.Record
			baseline  sql.NullString
			scope     string
			anomalous int
			updated   int64
		)
		if err := rows.Scan(&r.AgentID, &r.SelfTrust, &baseline, &scope, &r.Score, &anomalous, &updated); err != nil {
			return nil, fmt.Errorf("scan trust record: %w", err)
		}
		if baseline.Valid && baseline.String != "" {
			if err := json.Unmarshal([]byte(baseline.String), &r.Baseline); err != nil {
				return nil, fmt.Errorf("trust record %s baseline: %w", r.AgentID, err)
			}
		}
		if r.Scope, err = trust.ParseScope(scope); err != nil {
			return nil, fmt.Errorf("trust record %s: %w", r.AgentID, err)
		}
		r.Anomalous = anomalous != 0
		r.UpdatedAt = time.Unix(0, updated).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// PutRecord inserts or replaces r.
func (s *TrustStore) PutRecord(r trust.Record) error {
	var baseline sql.NullString
	if r.Baseline != nil {
		b, err := json.Marshal(r.Baseline)
		if err != nil {
			return fmt.Errorf("encode baseline: %w", err)
		}
		baseline = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.db.Exec(
		`INSERT INTO trust_records (agent_id, self_trust, baseline, scope, score, anomalous, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   self_trust = excluded.self_trust,
		   baseline = excluded.baseline,
		   scope = excluded.scope,
		   score = excluded.score,
		   anomalous = excluded.anomalous,
		   updated_at = excluded.updated_at`,
		r.AgentID, r.SelfTrust, baseline, r.Scope.String(), r.Score, boolToInt(r.Anomalous), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put trust record %s: %w", r.AgentID, err)
	}
	return nil
}
