package store

import (
	"database/sql"
	"time"
)

// AuditEntry is one recorded API mutation.
type AuditEntry struct {
	Timestamp time.Time
	SourceIP  string
	Method    string
	Path      string
	BodyHash  string
	Result    string
	ErrorMsg  string
}

// JournalEntry is one recorded usage-batch delivery.
type JournalEntry struct {
	Timestamp       time.Time
	Records         int
	TotalQuantity   float64
	CreditsDeducted float64
}

// AuditStore records API mutations and delivered usage batches.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an AuditStore using the given DB.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db.Conn()}
}

// WriteAuditLog writes an entry to the audit log.
func (s *AuditStore) WriteAuditLog(sourceIP, method, path, bodyHash, result, errMsg string) error {
	now := time.Now().Unix()
	var errStr sql.NullString
	if errMsg != "" {
		errStr = sql.NullString{String: errMsg, Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO audit_log (timestamp, source_ip, method, path, body_hash, result, error_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now, nullString(sourceIP), method, path, nullString(bodyHash), result, errStr)
	return err
}

// WriteJournal records a successfully delivered usage batch.
func (s *AuditStore) WriteJournal(records int, totalQuantity, creditsDeducted float64) error {
	_, err := s.db.Exec(`INSERT INTO usage_journal (timestamp, records, total_quantity, credits_deducted)
		VALUES (?, ?, ?, ?)`,
		time.Now().Unix(), records, totalQuantity, creditsDeducted)
	return err
}

// ListAuditLog returns the most recent audit entries, newest first.
func (s *AuditStore) ListAuditLog(limit int) ([]AuditEntry, error) {
	rows, err := s.db.Query(`SELECT timestamp, source_ip, method, path, body_hash, result, error_msg
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		var sourceIP, bodyHash, errMsg sql.NullString
		if err := rows.Scan(&ts, &sourceIP, &e.Method, &e.Path, &bodyHash, &e.Result, &errMsg); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0)
		e.SourceIP = sourceIP.String
		e.BodyHash = bodyHash.String
		e.ErrorMsg = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListJournal returns the most recent journal entries, newest first.
func (s *AuditStore) ListJournal(limit int) ([]JournalEntry, error) {
	rows, err := s.db.Query(`SELECT timestamp, records, total_quantity, credits_deducted
		FROM usage_journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var ts int64
		if err := rows.Scan(&ts, &e.Records, &e.TotalQuantity, &e.CreditsDeducted); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
