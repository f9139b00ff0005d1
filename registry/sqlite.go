// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package registry

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jwinarske/winrt-onewire/onewire"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	address    TEXT PRIMARY KEY,
	family     INTEGER NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	present    INTEGER NOT NULL
);
`

// SQLite is a Repository backed by a single-file SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The driver is in-process; a single connection avoids table locks.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: migrating %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

// MarkPresent implements Repository.
func (s *SQLite) MarkPresent(addr onewire.Address, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (address, family, first_seen, last_seen, present)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET last_seen = excluded.last_seen, present = 1`,
		addr.String(), addr.Family(), at.Unix(), at.Unix())
	return err
}

// MarkAbsent implements Repository.
func (s *SQLite) MarkAbsent(addr onewire.Address, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE devices SET last_seen = ?, present = 0 WHERE address = ?`,
		at.Unix(), addr.String())
	return err
}

// Get implements Repository.
func (s *SQLite) Get(addr onewire.Address) (Record, bool, error) {
	row := s.db.QueryRow(
		`SELECT address, family, first_seen, last_seen, present FROM devices WHERE address = ?`,
		addr.String())
	r, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// List implements Repository.
func (s *SQLite) List() ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT address, family, first_seen, last_seen, present FROM devices ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close implements Repository.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanRecord(scan func(...interface{}) error) (Record, error) {
	var (
		addr                string
		family              int
		firstSeen, lastSeen int64
		present             int
	)
	if err := scan(&addr, &family, &firstSeen, &lastSeen, &present); err != nil {
		return Record{}, err
	}
	a, err := onewire.ParseAddress(addr)
	if err != nil {
		return Record{}, fmt.Errorf("registry: corrupt address %q: %w", addr, err)
	}
	return Record{
		Address:   a,
		Family:    byte(family),
		FirstSeen: time.Unix(firstSeen, 0),
		LastSeen:  time.Unix(lastSeen, 0),
		Present:   present != 0,
	}, nil
}

var _ Repository = &SQLite{}
