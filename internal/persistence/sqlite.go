package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS save_slots (
	slot       TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	tick       INTEGER NOT NULL,
	saved_at   INTEGER NOT NULL,
	data       BLOB NOT NULL
)`

type slotRow struct {
	Slot      string `db:"slot"`
	Version   int    `db:"version"`
	SessionID string `db:"session_id"`
	Tick      int64  `db:"tick"`
	SavedAt   int64  `db:"saved_at"`
	Data      []byte `db:"data"`
}

func (r slotRow) header() (Header, error) {
	id, err := uuid.Parse(r.SessionID)
	if err != nil {
		return Header{}, fmt.Errorf("slot %q: session id: %w", r.Slot, err)
	}
	return Header{
		Version:   r.Version,
		SessionID: id,
		Tick:      uint64(r.Tick),
		SavedAt:   time.Unix(0, r.SavedAt).UTC(),
	}, nil
}

// SQLiteStore keeps save slots as rows of a sqlite table. The header is
// duplicated into columns so listings do not touch the blob.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens, or creates, the database at dsn. ":memory:" works for
// tests because the pool is limited to one connection.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty sqlite dsn")
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init save schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an open database. The schema is created if missing.
func NewSQLiteStore(ctx context.Context, db *sqlx.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("init save schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, slot string, sf *SaveFile) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := sf.Validate(); err != nil {
		return err
	}
	data, err := marshal(sf)
	if err != nil {
		return err
	}
	row := slotRow{
		Slot:      slot,
		Version:   sf.Header.Version,
		SessionID: sf.Header.SessionID.String(),
		Tick:      int64(sf.Header.Tick),
		SavedAt:   sf.Header.SavedAt.UnixNano(),
		Data:      data,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO save_slots (slot, version, session_id, tick, saved_at, data)
		VALUES (:slot, :version, :session_id, :tick, :saved_at, :data)
		ON CONFLICT(slot) DO UPDATE SET
			version = excluded.version,
			session_id = excluded.session_id,
			tick = excluded.tick,
			saved_at = excluded.saved_at,
			data = excluded.data`, row)
	if err != nil {
		return fmt.Errorf("save slot %q: %w", slot, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, slot string) (*SaveFile, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM save_slots WHERE slot = ?`, slot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%q: %w", slot, ErrSlotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load slot %q: %w", slot, err)
	}
	return unmarshal(data)
}

func (s *SQLiteStore) List(ctx context.Context) ([]SlotInfo, error) {
	var rows []slotRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT slot, version, session_id, tick, saved_at FROM save_slots ORDER BY slot`); err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	out := make([]SlotInfo, 0, len(rows))
	for _, r := range rows {
		h, err := r.header()
		if err != nil {
			return nil, err
		}
		out = append(out, SlotInfo{Slot: r.Slot, Header: h})
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, slot string) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM save_slots WHERE slot = ?`, slot)
	if err != nil {
		return fmt.Errorf("delete slot %q: %w", slot, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%q: %w", slot, ErrSlotNotFound)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
