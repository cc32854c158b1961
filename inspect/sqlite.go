package inspect

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ellie-lang/ellie/vm"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	label    TEXT NOT NULL,
	taken_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS stack_slots (
	snapshot INTEGER NOT NULL REFERENCES snapshots(id),
	address  INTEGER NOT NULL,
	type     TEXT NOT NULL,
	type_id  INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	value    TEXT NOT NULL,
	raw      BLOB,
	corrupt  INTEGER NOT NULL,
	PRIMARY KEY (snapshot, address)
);
CREATE TABLE IF NOT EXISTS heap_cells (
	snapshot INTEGER NOT NULL REFERENCES snapshots(id),
	address  INTEGER NOT NULL,
	type     TEXT NOT NULL,
	type_id  INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	value    TEXT NOT NULL,
	raw      BLOB,
	corrupt  INTEGER NOT NULL,
	PRIMARY KEY (snapshot, address)
);
`

// Sink stores memory snapshots in an SQLite database.
type Sink struct {
	db *sql.DB
}

// SnapshotInfo describes a stored snapshot.
type SnapshotInfo struct {
	ID      int64
	Label   string
	TakenAt time.Time
	Stack   int
	Heap    int
}

// OpenSink opens (creating if needed) the database at path.
func OpenSink(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("inspect: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("inspect: create schema in %s: %w", path, err)
	}
	return &Sink{db: db}, nil
}

// Close closes the database.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Write records one snapshot and returns its id.
func (s *Sink) Write(ctx context.Context, label string, stack, heap []vm.SlotDump) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (label, taken_at) VALUES (?, ?)`,
		label, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("inspect: insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("inspect: snapshot id: %w", err)
	}
	if err := insertDumps(ctx, tx, "stack_slots", id, stack); err != nil {
		return 0, err
	}
	if err := insertDumps(ctx, tx, "heap_cells", id, heap); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("inspect: commit: %w", err)
	}
	log.Infof("snapshot %d %q: %d stack slots, %d heap cells", id, label, len(stack), len(heap))
	return id, nil
}

func insertDumps(ctx context.Context, tx *sql.Tx, table string, id int64, dumps []vm.SlotDump) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+table+
		` (snapshot, address, type, type_id, size, value, raw, corrupt) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("inspect: prepare %s: %w", table, err)
	}
	defer stmt.Close()
	for _, d := range dumps {
		if _, err := stmt.ExecContext(ctx, id, d.Address, d.Type, d.TypeID, d.Size, d.Value, d.Raw, d.Corrupt); err != nil {
			return fmt.Errorf("inspect: insert into %s: %w", table, err)
		}
	}
	return nil
}

// Snapshots lists stored snapshots, oldest first.
func (s *Sink) Snapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.label, s.taken_at,
			(SELECT COUNT(*) FROM stack_slots WHERE snapshot = s.id),
			(SELECT COUNT(*) FROM heap_cells WHERE snapshot = s.id)
		FROM snapshots s ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("inspect: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var (
			info  SnapshotInfo
			taken string
		)
		if err := rows.Scan(&info.ID, &info.Label, &taken, &info.Stack, &info.Heap); err != nil {
			return nil, fmt.Errorf("inspect: scan snapshot: %w", err)
		}
		info.TakenAt, _ = time.Parse(time.RFC3339Nano, taken)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Load reads the dumps of one snapshot back.
func (s *Sink) Load(ctx context.Context, id int64) (stack, heap []vm.SlotDump, err error) {
	if stack, err = s.loadDumps(ctx, "stack_slots", id); err != nil {
		return nil, nil, err
	}
	if heap, err = s.loadDumps(ctx, "heap_cells", id); err != nil {
		return nil, nil, err
	}
	return stack, heap, nil
}

func (s *Sink) loadDumps(ctx context.Context, table string, id int64) ([]vm.SlotDump, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, type, type_id, size, value, raw, corrupt FROM `+table+
		` WHERE snapshot = ? ORDER BY address`, id)
	if err != nil {
		return nil, fmt.Errorf("inspect: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []vm.SlotDump
	for rows.Next() {
		var d vm.SlotDump
		if err := rows.Scan(&d.Address, &d.Type, &d.TypeID, &d.Size, &d.Value, &d.Raw, &d.Corrupt); err != nil {
			return nil, fmt.Errorf("inspect: scan %s: %w", table, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
