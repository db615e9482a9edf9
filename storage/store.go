package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gigchain/core/state"
	"gigchain/native/escrow"
	"gigchain/native/governance"
)

// Store persists escrow ledgers, governance proposals, the global transaction
// hash registry, and the event journal in a single SQLite database. Aggregates
// are stored as JSON documents next to an integer version column; writes use
// compare-and-swap on the version so concurrent mutators never silently
// overwrite each other.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS escrow_ledgers (
            engagement_id TEXT PRIMARY KEY,
            doc BLOB NOT NULL,
            version INTEGER NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS proposals (
            id TEXT PRIMARY KEY,
            doc BLOB NOT NULL,
            version INTEGER NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS tx_hashes (
            tx_hash TEXT PRIMARY KEY,
            reference TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LedgerGet loads the escrow ledger for the engagement. The boolean reports
// whether a ledger exists.
func (s *Store) LedgerGet(engagementID string) (*escrow.Ledger, bool, error) {
	const query = `SELECT doc, version FROM escrow_ledgers WHERE engagement_id = ?`
	row := s.db.QueryRow(query, engagementID)
	var doc []byte
	var version uint64
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var ledger escrow.Ledger
	if err := json.Unmarshal(doc, &ledger); err != nil {
		return nil, false, fmt.Errorf("storage: decode ledger %s: %w", engagementID, err)
	}
	ledger.Version = version
	return &ledger, true, nil
}

// LedgerPut writes the ledger back. A ledger with version zero is inserted;
// any other version must match the stored row or state.ErrVersionConflict is
// returned. On success the in-memory version is bumped so the caller can keep
// mutating the same instance.
func (s *Store) LedgerPut(ledger *escrow.Ledger) error {
	if ledger == nil {
		return fmt.Errorf("storage: nil ledger")
	}
	version := ledger.Version
	ledger.Version = 0
	doc, err := json.Marshal(ledger)
	ledger.Version = version
	if err != nil {
		return fmt.Errorf("storage: encode ledger %s: %w", ledger.EngagementID, err)
	}
	now := time.Now().UTC()
	if version == 0 {
		const stmt = `INSERT INTO escrow_ledgers(engagement_id, doc, version, updated_at) VALUES (?, ?, 1, ?)`
		if _, err := s.db.Exec(stmt, ledger.EngagementID, doc, now); err != nil {
			if isUniqueViolation(err) {
				return state.ErrVersionConflict
			}
			return err
		}
		ledger.Version = 1
		return nil
	}
	const stmt = `UPDATE escrow_ledgers SET doc = ?, version = ?, updated_at = ? WHERE engagement_id = ? AND version = ?`
	res, err := s.db.Exec(stmt, doc, version+1, now, ledger.EngagementID, version)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return state.ErrVersionConflict
	}
	ledger.Version = version + 1
	return nil
}

// ProposalGet loads a governance proposal by identifier.
func (s *Store) ProposalGet(id string) (*governance.Proposal, bool, error) {
	const query = `SELECT doc, version FROM proposals WHERE id = ?`
	row := s.db.QueryRow(query, id)
	var doc []byte
	var version uint64
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var proposal governance.Proposal
	if err := json.Unmarshal(doc, &proposal); err != nil {
		return nil, false, fmt.Errorf("storage: decode proposal %s: %w", id, err)
	}
	proposal.Version = version
	return &proposal, true, nil
}

// ProposalPut writes the proposal back using the same compare-and-swap rules
// as LedgerPut.
func (s *Store) ProposalPut(proposal *governance.Proposal) error {
	if proposal == nil {
		return fmt.Errorf("storage: nil proposal")
	}
	version := proposal.Version
	proposal.Version = 0
	doc, err := json.Marshal(proposal)
	proposal.Version = version
	if err != nil {
		return fmt.Errorf("storage: encode proposal %s: %w", proposal.ID, err)
	}
	now := time.Now().UTC()
	if version == 0 {
		const stmt = `INSERT INTO proposals(id, doc, version, updated_at) VALUES (?, ?, 1, ?)`
		if _, err := s.db.Exec(stmt, proposal.ID, doc, now); err != nil {
			if isUniqueViolation(err) {
				return state.ErrVersionConflict
			}
			return err
		}
		proposal.Version = 1
		return nil
	}
	const stmt = `UPDATE proposals SET doc = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`
	res, err := s.db.Exec(stmt, doc, version+1, now, proposal.ID, version)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return state.ErrVersionConflict
	}
	proposal.Version = version + 1
	return nil
}

// TxHashReserve claims a transaction hash for the given reference. Reserving
// the same hash again under the same reference is a no-op so retried writes
// stay idempotent; any other reference gets escrow.ErrTxHashUsed.
func (s *Store) TxHashReserve(txHash, reference string) error {
	const stmt = `INSERT INTO tx_hashes(tx_hash, reference, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.Exec(stmt, txHash, reference, time.Now().UTC()); err != nil {
		if !isUniqueViolation(err) {
			return err
		}
		const query = `SELECT reference FROM tx_hashes WHERE tx_hash = ?`
		var stored string
		if scanErr := s.db.QueryRow(query, txHash).Scan(&stored); scanErr != nil {
			return scanErr
		}
		if stored != reference {
			return escrow.ErrTxHashUsed
		}
	}
	return nil
}

// TxHashReference resolves the reference a hash was reserved under. The
// boolean reports whether the hash is known.
func (s *Store) TxHashReference(txHash string) (string, bool, error) {
	const query = `SELECT reference FROM tx_hashes WHERE tx_hash = ?`
	var reference string
	if err := s.db.QueryRow(query, txHash).Scan(&reference); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return reference, true, nil
}

// AppendEvent journals an emitted domain event for audit and webhook replay.
func (s *Store) AppendEvent(eventType string, attributes map[string]string) error {
	payload, err := json.Marshal(attributes)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO events(type, payload, created_at) VALUES (?, ?, ?)`
	_, err = s.db.Exec(stmt, eventType, string(payload), time.Now().UTC())
	return err
}

// JournalEntry is a persisted domain event row.
type JournalEntry struct {
	ID        int64             `json:"id"`
	Type      string            `json:"type"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"createdAt"`
}

// EventsSince returns journal entries with an id strictly greater than after,
// oldest first, capped at limit.
func (s *Store) EventsSince(after int64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, type, payload, created_at FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`
	rows, err := s.db.Query(query, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var payload string
		if err := rows.Scan(&entry.ID, &entry.Type, &payload, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
			return nil, fmt.Errorf("storage: decode event %d: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// isUniqueViolation detects primary key conflicts without depending on the
// driver's error types. modernc.org/sqlite reports SQLITE_CONSTRAINT errors
// with the constraint name in the message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
