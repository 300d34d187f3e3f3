// Package store implements the per-device append-only event log, backed
// by modernc.org/sqlite. Writes are serialized through a single
// goroutine reading from a command channel rather than a mutex, because
// the insert to Bloom-update to subscriber-dispatch sequence needs to be
// atomic, and a plain mutex around a stdlib *sql.DB would not let
// internal/device compose that sequence without leaking store internals.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hoshizora-labs/syncmesh/internal/errs"
	"github.com/hoshizora-labs/syncmesh/internal/model"
)

// InsertResult reports whether Insert created a new row or found a
// duplicate.
type InsertResult struct {
	EventID  [32]byte
	Inserted bool
}

// Store is a per-device event log. Create one per device; do not share
// across devices.
type Store struct {
	db *sql.DB

	cmds chan command
	done chan struct{}
}

type command struct {
	fn func(*sql.DB) error
}

// Open opens (creating if absent) the sqlite-backed store at path. Use
// ":memory:" for ephemeral simulated devices.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite + single-writer discipline
	s := &Store{db: db, cmds: make(chan command), done: make(chan struct{})}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		arrival_seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id BLOB UNIQUE NOT NULL,
		author TEXT NOT NULL,
		channel TEXT NOT NULL,
		authored_ts INTEGER NOT NULL,
		received_ts INTEGER NOT NULL,
		payload_cipher BLOB NOT NULL,
		file_id BLOB,
		chunk_no INTEGER,
		is_parity INTEGER,
		prf_tag BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel);
	CREATE INDEX IF NOT EXISTS idx_events_author ON events(author);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_file_chunk ON events(file_id, chunk_no, is_parity) WHERE file_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_prf_tag ON events(prf_tag);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) writerLoop() {
	defer close(s.done)
	for cmd := range s.cmds {
		_ = cmd.fn(s.db) // errors are delivered via the closure's own channel
	}
}

func (s *Store) run(fn func(*sql.DB) error) error {
	errCh := make(chan error, 1)
	s.cmds <- command{fn: func(db *sql.DB) error {
		err := fn(db)
		errCh <- err
		return err
	}}
	return <-errCh
}

// Close stops the writer goroutine and closes the database.
func (s *Store) Close() error {
	close(s.cmds)
	<-s.done
	return s.db.Close()
}

// Insert stores a new event, keyed by content-addressed event id.
// Duplicate event ids are a no-op.
func (s *Store) Insert(eventID [32]byte, author, channel string, authoredTS, receivedTS int64, payloadCipher []byte, meta model.FileMeta) (InsertResult, error) {
	var result InsertResult
	err := s.run(func(db *sql.DB) error {
		var existing []byte
		err := db.QueryRow(`SELECT event_id FROM events WHERE event_id = ?`, eventID[:]).Scan(&existing)
		if err == nil {
			result = InsertResult{EventID: eventID, Inserted: false}
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
		}

		var fileID, prfTag any
		var chunkNo, isParity any
		if meta.HasFile {
			fileID = meta.FileID[:]
			chunkNo = meta.ChunkNo
			isParity = meta.IsParity
			prfTag = meta.PRFTag[:]
		}

		_, err = db.Exec(
			`INSERT INTO events (event_id, author, channel, authored_ts, received_ts, payload_cipher, file_id, chunk_no, is_parity, prf_tag)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID[:], author, channel, authoredTS, receivedTS, payloadCipher, fileID, chunkNo, isParity, prfTag,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
		}
		result = InsertResult{EventID: eventID, Inserted: true}
		return nil
	})
	return result, err
}

func scanRow(rows interface {
	Scan(dest ...any) error
}) (model.Row, error) {
	var row model.Row
	var eventID, payloadCipher []byte
	var fileID, prfTag []byte
	var chunkNo sql.NullInt64
	var isParity sql.NullBool

	if err := rows.Scan(&row.ArrivalSeq, &eventID, &row.Author, &row.Channel, &row.AuthoredTS, &row.ReceivedTS, &payloadCipher, &fileID, &chunkNo, &isParity, &prfTag); err != nil {
		return model.Row{}, err
	}
	copy(row.EventID[:], eventID)
	row.PayloadCipher = payloadCipher
	if fileID != nil {
		var f [32]byte
		copy(f[:], fileID)
		row.FileID = &f
	}
	if chunkNo.Valid {
		v := uint32(chunkNo.Int64)
		row.ChunkNo = &v
	}
	if isParity.Valid {
		v := isParity.Bool
		row.IsParity = &v
	}
	if prfTag != nil {
		var p [16]byte
		copy(p[:], prfTag)
		row.PRFTag = &p
	}
	return row, nil
}

const selectCols = `arrival_seq, event_id, author, channel, authored_ts, received_ts, payload_cipher, file_id, chunk_no, is_parity, prf_tag`

// Get returns the row for eventID, if present.
func (s *Store) Get(eventID [32]byte) (*model.Row, error) {
	var row *model.Row
	err := s.run(func(db *sql.DB) error {
		r := db.QueryRow(`SELECT `+selectCols+` FROM events WHERE event_id = ?`, eventID[:])
		got, err := scanRow(r)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
		}
		row = &got
		return nil
	})
	return row, err
}

// Since scans rows with arrival_seq > afterSeq, in order, up to limit rows
// (0 = unlimited).
func (s *Store) Since(ctx context.Context, afterSeq uint64, limit int) ([]model.Row, error) {
	var out []model.Row
	err := s.run(func(db *sql.DB) error {
		q := `SELECT ` + selectCols + ` FROM events WHERE arrival_seq > ? ORDER BY arrival_seq ASC`
		args := []any{afterSeq}
		if limit > 0 {
			q += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := db.QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRow(rows)
			if err != nil {
				return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// QueryFileChunks returns all chunks (data and parity) for fileID, ordered
// by chunk_no.
func (s *Store) QueryFileChunks(fileID [32]byte) ([]model.Row, error) {
	var out []model.Row
	err := s.run(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT `+selectCols+` FROM events WHERE file_id = ? ORDER BY chunk_no ASC`, fileID[:])
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRow(rows)
			if err != nil {
				return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// QueryByPRFTag supports opportunistic chunk discovery by a derived tag
// instead of event id.
func (s *Store) QueryByPRFTag(tag [16]byte) ([]model.Row, error) {
	var out []model.Row
	err := s.run(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT `+selectCols+` FROM events WHERE prf_tag = ?`, tag[:])
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRow(rows)
			if err != nil {
				return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// Count returns the total number of stored events.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.run(func(db *sql.DB) error {
		return db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	})
	return n, err
}

// RecentIDs returns the event ids of the most recent window rows by
// arrival_seq, used to rebuild the local Bloom summary.
func (s *Store) RecentIDs(window int) ([][32]byte, error) {
	var out [][32]byte
	err := s.run(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT event_id FROM events ORDER BY arrival_seq DESC LIMIT ?`, window)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			var id [32]byte
			copy(id[:], raw)
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

// AllIDs returns every stored event id, used by tests to check
// convergence.
func (s *Store) AllIDs() (map[[32]byte]struct{}, error) {
	out := make(map[[32]byte]struct{})
	err := s.run(func(db *sql.DB) error {
		rows, err := db.Query(`SELECT event_id FROM events`)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrStoreIO, err)
		}
		defer rows.Close()
		for rows.Next() {
			var raw []byte
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			var id [32]byte
			copy(id[:], raw)
			out[id] = struct{}{}
		}
		return rows.Err()
	})
	return out, err
}
