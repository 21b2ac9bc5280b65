package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/mailshelf/mailshelf/internal/repo"
)

// GetWriter returns a writer for the node's content property. Without the
// update flag, writing over existing content is refused.
func (s *Store) GetWriter(ctx context.Context, node repo.NodeRef, property repo.QName, update bool) (repo.ContentWriter, error) {
	exists, err := s.Exists(ctx, node)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", repo.ErrNodeNotFound, node)
	}

	if !update {
		s.mu.RLock()
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM contents WHERE node_id = ? AND property = ?`,
			node.ID, property.String(),
		).Scan(&one)
		s.mu.RUnlock()
		if err == nil {
			return nil, fmt.Errorf("content already present on %s and update not requested", node)
		}
		if err != sql.ErrNoRows {
			return nil, err
		}
	}

	return &contentWriter{
		store:    s,
		ctx:      ctx,
		node:     node,
		property: property,
		mimetype: repo.MimetypeBinary,
		encoding: "UTF-8",
	}, nil
}

// GetReader returns a reader over the node's stored content, or ErrNoContent
// when the property carries none.
func (s *Store) GetReader(ctx context.Context, node repo.NodeRef, property repo.QName) (repo.ContentReader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mimetype, encoding string
	var size int64
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT mimetype, encoding, size, data FROM contents WHERE node_id = ? AND property = ?`,
		node.ID, property.String(),
	).Scan(&mimetype, &encoding, &size, &data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s on %s", repo.ErrNoContent, property, node)
	}
	if err != nil {
		return nil, err
	}
	return &contentReader{mimetype: mimetype, encoding: encoding, size: size, data: data}, nil
}

// GetOrCreateChild obtains a cm:content child by name under the given
// association type. See repo.ContentService for the overwrite contract.
func (s *Store) GetOrCreateChild(ctx context.Context, parent repo.NodeRef, name string, assocType repo.QName, overwrite bool, props map[repo.QName]any) (repo.NodeRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.childByNameLocked(ctx, parent, assocType, name)
	if err != nil {
		return repo.NodeRef{}, err
	}

	if !existing.IsZero() && overwrite {
		if len(props) > 0 {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return repo.NodeRef{}, err
			}
			defer tx.Rollback()
			for qname, value := range props {
				if err := insertProperty(ctx, tx, existing.ID, qname, value); err != nil {
					return repo.NodeRef{}, err
				}
			}
			if err := tx.Commit(); err != nil {
				return repo.NodeRef{}, err
			}
		}
		return existing, nil
	}

	// Walk to the first free name: "name", then "name(1)", "name(2)", ...
	effective := name
	for suffix := 1; !existing.IsZero(); suffix++ {
		effective = fmt.Sprintf("%s(%d)", name, suffix)
		existing, err = s.childByNameLocked(ctx, parent, assocType, effective)
		if err != nil {
			return repo.NodeRef{}, err
		}
	}

	return s.createNodeLocked(ctx, parent, assocType, effective, repo.TypeContent, props)
}

// contentWriter buffers the stream in memory and commits it to the contents
// table when the stream is closed.
type contentWriter struct {
	store    *Store
	ctx      context.Context
	node     repo.NodeRef
	property repo.QName
	mimetype string
	encoding string
}

func (w *contentWriter) SetMimetype(mimetype string) {
	if mimetype != "" {
		w.mimetype = mimetype
	}
}

func (w *contentWriter) SetEncoding(encoding string) {
	if encoding != "" {
		w.encoding = encoding
	}
}

// Stream opens the sink. Content becomes visible atomically on Close.
func (w *contentWriter) Stream() (io.WriteCloser, error) {
	return &contentStream{writer: w}, nil
}

// PutString writes the string as the full content and commits it.
func (w *contentWriter) PutString(s string) error {
	return w.commit([]byte(s))
}

// PutContent copies the reader as the full content and commits it.
func (w *contentWriter) PutContent(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	return w.commit(data)
}

func (w *contentWriter) commit(data []byte) error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()

	_, err := w.store.db.ExecContext(w.ctx,
		`INSERT INTO contents (node_id, property, mimetype, encoding, size, data) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_id, property) DO UPDATE SET
			mimetype = excluded.mimetype,
			encoding = excluded.encoding,
			size     = excluded.size,
			data     = excluded.data`,
		w.node.ID, w.property.String(), w.mimetype, w.encoding, int64(len(data)), data,
	)
	if err != nil {
		return fmt.Errorf("store content on %s: %w", w.node, err)
	}
	return nil
}

type contentStream struct {
	writer *contentWriter
	buf    bytes.Buffer
	closed bool
}

func (cs *contentStream) Write(p []byte) (int, error) {
	if cs.closed {
		return 0, fmt.Errorf("write to closed content stream")
	}
	return cs.buf.Write(p)
}

func (cs *contentStream) Close() error {
	if cs.closed {
		return nil
	}
	cs.closed = true
	return cs.writer.commit(cs.buf.Bytes())
}

type contentReader struct {
	mimetype string
	encoding string
	size     int64
	data     []byte
}

func (r *contentReader) Mimetype() string { return r.mimetype }
func (r *contentReader) Encoding() string { return r.encoding }
func (r *contentReader) Size() int64      { return r.size }

func (r *contentReader) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(r.data)), nil
}
