package store

import (
	"database/sql"
	"fmt"
	"time"
)

// inboundRecord is one delivered provider message ID, as the key-value
// backends keep it.
type inboundRecord struct {
	MessageID   string     `json:"message_id"`
	Identity    string     `json:"identity"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// dedupQueries holds the dialect-specific statements for inbound_dedup.
type dedupQueries struct {
	insert  string
	process string
}

var (
	sqliteDedup = dedupQueries{
		insert:  `INSERT OR IGNORE INTO inbound_dedup (message_id, identity, received_at) VALUES (?, ?, ?)`,
		process: `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
	}
	postgresDedup = dedupQueries{
		insert:  `INSERT INTO inbound_dedup (message_id, identity, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		process: `UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
	}
)

// sqlDedup is the inbound dedup table shared by the SQL backends.
type sqlDedup struct {
	db *sql.DB
	q  dedupQueries
}

// RecordInbound reports true only for the first delivery of messageID.
func (d sqlDedup) RecordInbound(messageID, identity string) (bool, error) {
	res, err := d.db.Exec(d.q.insert, messageID, identity, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (d sqlDedup) MarkProcessed(messageID string) error {
	if _, err := d.db.Exec(d.q.process, time.Now().Unix(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) dedup() sqlDedup { return sqlDedup{db: s.db, q: sqliteDedup} }

func (s *PostgresStore) dedup() sqlDedup { return sqlDedup{db: s.db, q: postgresDedup} }

func (s *SQLiteStore) RecordInbound(messageID, identity string) (bool, error) {
	return s.dedup().RecordInbound(messageID, identity)
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	return s.dedup().MarkProcessed(messageID)
}

func (s *PostgresStore) RecordInbound(messageID, identity string) (bool, error) {
	return s.dedup().RecordInbound(messageID, identity)
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	return s.dedup().MarkProcessed(messageID)
}
