// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package objectstore

import (
	"database/sql"
	"fmt"

	// Import sqlite3 driver so that we can create db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	log "github.com/golang/glog"
)

// Object is what we expect the store to hold for one object.
type Object struct {
	Name   string
	Header string            // Omap header, empty if none was set.
	Xattrs map[string]string // Extended attributes we set.
	Omap   map[string]string // Omap values we set.
	PGID   string            // Placement group it was listed in.
	JSON   string            // Description printed by "--op list".
}

// DB records the objects we created and where the tool found them, so
// later checks can cross-reference both.
type DB struct {
	db *sql.DB

	putStmt, headerStmt, locStmt, xattrStmt, omapStmt *sql.Stmt
}

var schema = []string{
	"CREATE TABLE IF NOT EXISTS objects (name TEXT NOT NULL PRIMARY KEY, header TEXT, pgid TEXT, json TEXT)",
	"CREATE TABLE IF NOT EXISTS xattrs (name TEXT NOT NULL, key TEXT NOT NULL, value TEXT, PRIMARY KEY (name, key))",
	"CREATE TABLE IF NOT EXISTS omap (name TEXT NOT NULL, key TEXT NOT NULL, value TEXT, PRIMARY KEY (name, key))",
}

// NewDB opens a DB backed by the sqlite file at path. ":memory:" keeps it
// in memory for the life of the DB.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open the db backed by %s: %s", path, err)
	}
	// Every connection to ":memory:" is a different database.
	db.SetMaxOpenConns(1)

	for _, s := range schema {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create table: %s", err)
		}
	}

	d := &DB{db: db}
	stmts := []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&d.putStmt, "INSERT OR IGNORE INTO objects (name) VALUES (?)"},
		{&d.headerStmt, "UPDATE objects SET header=? WHERE name=?"},
		{&d.locStmt, "UPDATE objects SET pgid=?, json=? WHERE name=?"},
		{&d.xattrStmt, "INSERT OR REPLACE INTO xattrs (name, key, value) VALUES (?, ?, ?)"},
		{&d.omapStmt, "INSERT OR REPLACE INTO omap (name, key, value) VALUES (?, ?, ?)"},
	}
	for _, s := range stmts {
		if *s.stmt, err = db.Prepare(s.sql); err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to prepare %q: %s", s.sql, err)
		}
	}
	return d, nil
}

// Put records a new object.
func (d *DB) Put(name string) error {
	_, err := d.putStmt.Exec(name)
	return err
}

// SetHeader records an object's omap header.
func (d *DB) SetHeader(name, header string) error {
	_, err := d.headerStmt.Exec(header, name)
	return err
}

// SetXattr records an extended attribute.
func (d *DB) SetXattr(name, key, value string) error {
	_, err := d.xattrStmt.Exec(name, key, value)
	return err
}

// SetOmap records an omap value.
func (d *DB) SetOmap(name, key, value string) error {
	_, err := d.omapStmt.Exec(name, key, value)
	return err
}

// SetLocation records where the tool listed an object. It returns false
// if the object is not one of ours.
func (d *DB) SetLocation(name, pgid, objJSON string) (bool, error) {
	res, err := d.locStmt.Exec(pgid, objJSON, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Names returns the names of all objects, sorted.
func (d *DB) Names() ([]string, error) {
	rows, err := d.db.Query("SELECT name FROM objects ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Get returns everything recorded about an object.
func (d *DB) Get(name string) (*Object, error) {
	o := &Object{Name: name, Xattrs: make(map[string]string), Omap: make(map[string]string)}
	var header, pgid, js sql.NullString
	err := d.db.QueryRow("SELECT header, pgid, json FROM objects WHERE name=?", name).Scan(&header, &pgid, &js)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", name, err)
	}
	o.Header, o.PGID, o.JSON = header.String, pgid.String, js.String
	if err := d.loadMap("xattrs", name, o.Xattrs); err != nil {
		return nil, err
	}
	if err := d.loadMap("omap", name, o.Omap); err != nil {
		return nil, err
	}
	return o, nil
}

func (d *DB) loadMap(table, name string, m map[string]string) error {
	rows, err := d.db.Query("SELECT key, value FROM "+table+" WHERE name=?", name)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		m[k] = v
	}
	return rows.Err()
}

// Close closes the db. All errors will be logged and the last error is
// returned.
func (d *DB) Close() (err error) {
	for _, s := range []*sql.Stmt{d.putStmt, d.headerStmt, d.locStmt, d.xattrStmt, d.omapStmt} {
		if s == nil {
			continue
		}
		if cerr := s.Close(); cerr != nil {
			err = cerr
			log.Errorf("failed to close statement: %s", err)
		}
	}
	if cerr := d.db.Close(); cerr != nil {
		err = cerr
		log.Errorf("failed to close db: %s", err)
	}
	return err
}
