package hierarchy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dbsmedya/echarvest/internal/types"
)

// KeyState is the persisted status of one child list.
type KeyState struct {
	Status      Status
	RefreshedAt time.Time
}

// Snapshot is the full persisted cache. Nodes are ordered by level, parent
// and portal position.
type Snapshot struct {
	Nodes []types.LocationNode
	Keys  map[Key]KeyState
}

// Repository persists the location cache.
type Repository interface {
	Load(ctx context.Context) (*Snapshot, error)
	SaveKey(ctx context.Context, key Key, nodes []types.LocationNode, status Status, at time.Time) error
	MarkStale(ctx context.Context, key Key, at time.Time) error
	Replace(ctx context.Context, snap *Snapshot) error
}

// SQLRepository stores the cache in the location_node and location_key tables.
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository creates a repository over an open state database.
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Load reads every key and node.
func (r *SQLRepository) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Keys: make(map[Key]KeyState)}

	keyRows, err := r.db.QueryContext(ctx,
		"SELECT level, parent_code, status, refreshed_at FROM location_key")
	if err != nil {
		return nil, fmt.Errorf("failed to query location keys: %w", err)
	}
	defer keyRows.Close()

	for keyRows.Next() {
		var (
			level  int
			parent string
			status string
			at     int64
		)
		if err := keyRows.Scan(&level, &parent, &status, &at); err != nil {
			return nil, fmt.Errorf("failed to scan location key: %w", err)
		}
		snap.Keys[Key{Level: types.Level(level), Parent: parent}] = KeyState{
			Status:      Status(status),
			RefreshedAt: time.Unix(at, 0),
		}
	}
	if err := keyRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read location keys: %w", err)
	}

	nodeRows, err := r.db.QueryContext(ctx,
		"SELECT level, parent_code, code, name FROM location_node ORDER BY level, parent_code, position")
	if err != nil {
		return nil, fmt.Errorf("failed to query location nodes: %w", err)
	}
	defer nodeRows.Close()

	for nodeRows.Next() {
		var (
			level int
			n     types.LocationNode
		)
		if err := nodeRows.Scan(&level, &n.ParentCode, &n.Code, &n.Name); err != nil {
			return nil, fmt.Errorf("failed to scan location node: %w", err)
		}
		n.Level = types.Level(level)
		snap.Nodes = append(snap.Nodes, n)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read location nodes: %w", err)
	}

	return snap, nil
}

// SaveKey replaces the stored child list of key in one transaction.
func (r *SQLRepository) SaveKey(ctx context.Context, key Key, nodes []types.LocationNode, status Status, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM location_node WHERE level = ? AND parent_code = ?",
		int(key.Level), key.Parent); err != nil {
		return fmt.Errorf("failed to clear %s: %w", key, err)
	}
	if err := insertNodes(ctx, tx, nodes, at); err != nil {
		return err
	}
	if err := writeKey(ctx, tx, key, status, at); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

// MarkStale records that key's last refresh failed. Stored nodes are kept.
func (r *SQLRepository) MarkStale(ctx context.Context, key Key, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := writeKey(ctx, tx, key, StatusStale, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stale %s: %w", key, err)
	}
	return nil
}

// Replace swaps the whole stored cache for snap.
func (r *SQLRepository) Replace(ctx context.Context, snap *Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM location_node"); err != nil {
		return fmt.Errorf("failed to clear location nodes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM location_key"); err != nil {
		return fmt.Errorf("failed to clear location keys: %w", err)
	}

	keys := make([]Key, 0, len(snap.Keys))
	for key := range snap.Keys {
		keys = append(keys, key)
	}
	sortKeys(keys)
	for _, key := range keys {
		ks := snap.Keys[key]
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO location_key (level, parent_code, status, refreshed_at) VALUES (?, ?, ?, ?)",
			int(key.Level), key.Parent, string(ks.Status), ks.RefreshedAt.Unix()); err != nil {
			return fmt.Errorf("failed to store %s: %w", key, err)
		}
	}
	if err := insertNodes(ctx, tx, snap.Nodes, time.Now()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return nil
}

// insertNodes writes nodes with a position counter restarting per key.
func insertNodes(ctx context.Context, tx *sql.Tx, nodes []types.LocationNode, at time.Time) error {
	if len(nodes) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO location_node (level, parent_code, code, name, position, refreshed_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare node insert: %w", err)
	}
	defer stmt.Close()

	var last Key
	pos := 0
	for i, n := range nodes {
		key := Key{Level: n.Level, Parent: n.ParentCode}
		if i == 0 || key != last {
			pos = 0
			last = key
		}
		if _, err := stmt.ExecContext(ctx, int(n.Level), n.ParentCode, n.Code, n.Name, pos, at.Unix()); err != nil {
			return fmt.Errorf("failed to store node %s/%s: %w", key, n.Code, err)
		}
		pos++
	}
	return nil
}

func writeKey(ctx context.Context, tx *sql.Tx, key Key, status Status, at time.Time) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM location_key WHERE level = ? AND parent_code = ?",
		int(key.Level), key.Parent); err != nil {
		return fmt.Errorf("failed to clear key %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO location_key (level, parent_code, status, refreshed_at) VALUES (?, ?, ?, ?)",
		int(key.Level), key.Parent, string(status), at.Unix()); err != nil {
		return fmt.Errorf("failed to store key %s: %w", key, err)
	}
	return nil
}
