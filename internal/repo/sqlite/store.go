// Package sqlite persists the repository node graph and content streams in a
// single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/mailshelf/mailshelf/internal/repo"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id         TEXT PRIMARY KEY,
	store      TEXT NOT NULL,
	type       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS properties (
	node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	qname   TEXT NOT NULL,
	value   TEXT,
	PRIMARY KEY (node_id, qname)
);

CREATE TABLE IF NOT EXISTS aspects (
	node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	qname   TEXT NOT NULL,
	PRIMARY KEY (node_id, qname)
);

CREATE TABLE IF NOT EXISTS child_assocs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id  TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	child_id   TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	assoc_type TEXT NOT NULL,
	name       TEXT NOT NULL,
	is_primary INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_child_assocs_parent ON child_assocs(parent_id, assoc_type, name);
CREATE INDEX IF NOT EXISTS idx_child_assocs_child ON child_assocs(child_id);

CREATE TABLE IF NOT EXISTS peer_assocs (
	source_id  TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	target_id  TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	assoc_type TEXT NOT NULL,
	PRIMARY KEY (source_id, target_id, assoc_type)
);

CREATE TABLE IF NOT EXISTS contents (
	node_id  TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
	property TEXT NOT NULL,
	mimetype TEXT NOT NULL,
	encoding TEXT NOT NULL,
	size     INTEGER NOT NULL,
	data     BLOB,
	PRIMARY KEY (node_id, property)
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the SQLite-backed node and content store. It implements both
// repo.NodeService and repo.ContentService.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the database at the given path, applying the schema
// and the WAL/busy-timeout pragmas.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create repository dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply repository schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureRoot returns the repository root folder, creating it on first boot.
// The root is a cm:folder with the given name and no parent association.
func (s *Store) EnsureRoot(ctx context.Context, name string) (repo.NodeRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'root_node'`).Scan(&id)
	if err == nil {
		return repo.NodeRef{Store: repo.StoreWorkspace, ID: id}, nil
	}
	if err != sql.ErrNoRows {
		return repo.NodeRef{}, fmt.Errorf("look up root node: %w", err)
	}

	root := repo.NewNodeRef(repo.StoreWorkspace)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return repo.NodeRef{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (id, store, type) VALUES (?, ?, ?)`,
		root.ID, root.Store, repo.TypeFolder.String(),
	); err != nil {
		return repo.NodeRef{}, fmt.Errorf("create root node: %w", err)
	}
	if err := insertProperty(ctx, tx, root.ID, repo.PropName, name); err != nil {
		return repo.NodeRef{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('root_node', ?)`, root.ID,
	); err != nil {
		return repo.NodeRef{}, fmt.Errorf("record root node: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return repo.NodeRef{}, err
	}
	return root, nil
}

// Exists reports whether the node row is present.
func (s *Store) Exists(ctx context.Context, node repo.NodeRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, node.ID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetType returns the node's type QName.
func (s *Store) GetType(ctx context.Context, node repo.NodeRef) (repo.QName, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT type FROM nodes WHERE id = ?`, node.ID).Scan(&raw)
	if err == sql.ErrNoRows {
		return repo.QName{}, fmt.Errorf("%w: %s", repo.ErrNodeNotFound, node)
	}
	if err != nil {
		return repo.QName{}, err
	}
	return repo.ParseQName(raw)
}

// GetProperties returns all properties of the node.
func (s *Store) GetProperties(ctx context.Context, node repo.NodeRef) (map[repo.QName]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT qname, value FROM properties WHERE node_id = ?`, node.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	props := make(map[repo.QName]any)
	for rows.Next() {
		var rawName string
		var rawValue sql.NullString
		if err := rows.Scan(&rawName, &rawValue); err != nil {
			return nil, err
		}
		qname, err := repo.ParseQName(rawName)
		if err != nil {
			return nil, err
		}
		if !rawValue.Valid {
			props[qname] = nil
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(rawValue.String), &value); err != nil {
			return nil, fmt.Errorf("decode property %s of %s: %w", qname, node, err)
		}
		props[qname] = value
	}
	return props, rows.Err()
}

// SetProperties merges the given properties onto the node.
func (s *Store) SetProperties(ctx context.Context, node repo.NodeRef, props map[repo.QName]any) error {
	if len(props) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for qname, value := range props {
		if err := insertProperty(ctx, tx, node.ID, qname, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddAspect applies the aspect and merges any aspect properties.
func (s *Store) AddAspect(ctx context.Context, node repo.NodeRef, aspect repo.QName, props map[repo.QName]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO aspects (node_id, qname) VALUES (?, ?)`,
		node.ID, aspect.String(),
	); err != nil {
		return err
	}
	for qname, value := range props {
		if err := insertProperty(ctx, tx, node.ID, qname, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// HasAspect reports whether the node carries the aspect.
func (s *Store) HasAspect(ctx context.Context, node repo.NodeRef, aspect repo.QName) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM aspects WHERE node_id = ? AND qname = ?`,
		node.ID, aspect.String(),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Aspects lists the aspects applied to the node.
func (s *Store) Aspects(ctx context.Context, node repo.NodeRef) ([]repo.QName, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT qname FROM aspects WHERE node_id = ? ORDER BY qname`, node.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aspects []repo.QName
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		qname, err := repo.ParseQName(raw)
		if err != nil {
			return nil, err
		}
		aspects = append(aspects, qname)
	}
	return aspects, rows.Err()
}

// CreateNode creates a child node and its primary association in one
// transaction. The cm:name property is always set from name.
func (s *Store) CreateNode(ctx context.Context, parent repo.NodeRef, assocType repo.QName, name string, nodeType repo.QName, props map[repo.QName]any) (repo.NodeRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createNodeLocked(ctx, parent, assocType, name, nodeType, props)
}

func (s *Store) createNodeLocked(ctx context.Context, parent repo.NodeRef, assocType repo.QName, name string, nodeType repo.QName, props map[repo.QName]any) (repo.NodeRef, error) {
	node := repo.NewNodeRef(parent.Store)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return repo.NodeRef{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (id, store, type) VALUES (?, ?, ?)`,
		node.ID, node.Store, nodeType.String(),
	); err != nil {
		return repo.NodeRef{}, fmt.Errorf("create node: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO child_assocs (parent_id, child_id, assoc_type, name, is_primary) VALUES (?, ?, ?, ?, 1)`,
		parent.ID, node.ID, assocType.String(), name,
	); err != nil {
		return repo.NodeRef{}, fmt.Errorf("create primary association: %w", err)
	}

	if err := insertProperty(ctx, tx, node.ID, repo.PropName, name); err != nil {
		return repo.NodeRef{}, err
	}
	for qname, value := range props {
		if qname == repo.PropName {
			continue
		}
		if err := insertProperty(ctx, tx, node.ID, qname, value); err != nil {
			return repo.NodeRef{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return repo.NodeRef{}, err
	}
	return node, nil
}

// GetChildByName finds a child linked through the association type whose
// association name matches exactly. A zero NodeRef means no match.
func (s *Store) GetChildByName(ctx context.Context, parent repo.NodeRef, assocType repo.QName, name string) (repo.NodeRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.childByNameLocked(ctx, parent, assocType, name)
}

func (s *Store) childByNameLocked(ctx context.Context, parent repo.NodeRef, assocType repo.QName, name string) (repo.NodeRef, error) {
	var childID string
	err := s.db.QueryRowContext(ctx,
		`SELECT child_id FROM child_assocs WHERE parent_id = ? AND assoc_type = ? AND name = ? LIMIT 1`,
		parent.ID, assocType.String(), name,
	).Scan(&childID)
	if err == sql.ErrNoRows {
		return repo.NodeRef{}, nil
	}
	if err != nil {
		return repo.NodeRef{}, err
	}
	return repo.NodeRef{Store: parent.Store, ID: childID}, nil
}

// GetChildAssocs lists all child associations below the parent.
func (s *Store) GetChildAssocs(ctx context.Context, parent repo.NodeRef) ([]repo.ChildAssoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT assoc_type, child_id, name, is_primary FROM child_assocs WHERE parent_id = ? ORDER BY id`,
		parent.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assocs []repo.ChildAssoc
	for rows.Next() {
		var rawType, childID, name string
		var primary bool
		if err := rows.Scan(&rawType, &childID, &name, &primary); err != nil {
			return nil, err
		}
		assocType, err := repo.ParseQName(rawType)
		if err != nil {
			return nil, err
		}
		assocs = append(assocs, repo.ChildAssoc{
			Type:    assocType,
			Parent:  parent,
			Child:   repo.NodeRef{Store: parent.Store, ID: childID},
			Name:    name,
			Primary: primary,
		})
	}
	return assocs, rows.Err()
}

// GetPrimaryParent returns the node's primary child association. The root
// node has none and yields ErrNodeNotFound.
func (s *Store) GetPrimaryParent(ctx context.Context, node repo.NodeRef) (repo.ChildAssoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rawType, parentID, name string
	err := s.db.QueryRowContext(ctx,
		`SELECT assoc_type, parent_id, name FROM child_assocs WHERE child_id = ? AND is_primary = 1`,
		node.ID,
	).Scan(&rawType, &parentID, &name)
	if err == sql.ErrNoRows {
		return repo.ChildAssoc{}, fmt.Errorf("%w: no primary parent for %s", repo.ErrNodeNotFound, node)
	}
	if err != nil {
		return repo.ChildAssoc{}, err
	}
	assocType, err := repo.ParseQName(rawType)
	if err != nil {
		return repo.ChildAssoc{}, err
	}
	return repo.ChildAssoc{
		Type:    assocType,
		Parent:  repo.NodeRef{Store: node.Store, ID: parentID},
		Child:   node,
		Name:    name,
		Primary: true,
	}, nil
}

// GetParentAssocs lists all child associations pointing at the node.
func (s *Store) GetParentAssocs(ctx context.Context, node repo.NodeRef) ([]repo.ChildAssoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT assoc_type, parent_id, name, is_primary FROM child_assocs WHERE child_id = ? ORDER BY id`,
		node.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assocs []repo.ChildAssoc
	for rows.Next() {
		var rawType, parentID, name string
		var primary bool
		if err := rows.Scan(&rawType, &parentID, &name, &primary); err != nil {
			return nil, err
		}
		assocType, err := repo.ParseQName(rawType)
		if err != nil {
			return nil, err
		}
		assocs = append(assocs, repo.ChildAssoc{
			Type:    assocType,
			Parent:  repo.NodeRef{Store: node.Store, ID: parentID},
			Child:   node,
			Name:    name,
			Primary: primary,
		})
	}
	return assocs, rows.Err()
}

// AddChild registers an additional non-primary parent-child link.
func (s *Store) AddChild(ctx context.Context, parent, child repo.NodeRef, assocType repo.QName, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO child_assocs (parent_id, child_id, assoc_type, name, is_primary) VALUES (?, ?, ?, ?, 0)`,
		parent.ID, child.ID, assocType.String(), name,
	)
	return err
}

// CreateAssociation creates a typed peer association; duplicates are ignored.
func (s *Store) CreateAssociation(ctx context.Context, source, target repo.NodeRef, assocType repo.QName) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO peer_assocs (source_id, target_id, assoc_type) VALUES (?, ?, ?)`,
		source.ID, target.ID, assocType.String(),
	)
	return err
}

// GetTargetAssocs lists peer association targets of the given type.
func (s *Store) GetTargetAssocs(ctx context.Context, source repo.NodeRef, assocType repo.QName) ([]repo.NodeRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id FROM peer_assocs WHERE source_id = ? AND assoc_type = ?`,
		source.ID, assocType.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []repo.NodeRef
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		targets = append(targets, repo.NodeRef{Store: source.Store, ID: id})
	}
	return targets, rows.Err()
}

func insertProperty(ctx context.Context, tx *sql.Tx, nodeID string, qname repo.QName, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode property %s: %w", qname, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO properties (node_id, qname, value) VALUES (?, ?, ?)
		 ON CONFLICT(node_id, qname) DO UPDATE SET value = excluded.value`,
		nodeID, qname.String(), string(encoded),
	); err != nil {
		return fmt.Errorf("set property %s: %w", qname, err)
	}
	return nil
}

var _ repo.NodeService = (*Store)(nil)
var _ repo.ContentService = (*Store)(nil)
