package engine

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/kgfuse/kgfuse-go/internal/diag"
	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// danglingFan buckets the id space so the per-bucket membership set
// stays bounded.
const danglingFan = 64

// danglingChecker counts edge references to identifiers that never
// materialized as nodes. Node ids and edge endpoints are spilled to
// hash buckets during output writing; count loads one node bucket at a
// time.
type danglingChecker struct {
	dir   string
	nodes []*idWriter
	refs  []*idWriter
}

func newDanglingChecker(dir string) (*danglingChecker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dangling scratch: %w", err)
	}
	c := &danglingChecker{dir: dir}
	for i := 0; i < danglingFan; i++ {
		nw, err := newIDWriter(filepath.Join(dir, fmt.Sprintf("nodes-%02d.gob", i)))
		if err != nil {
			return nil, err
		}
		rw, err := newIDWriter(filepath.Join(dir, fmt.Sprintf("refs-%02d.gob", i)))
		if err != nil {
			return nil, err
		}
		c.nodes = append(c.nodes, nw)
		c.refs = append(c.refs, rw)
	}
	return c, nil
}

func bucketOf(id string) uint64 {
	return xxhash.Sum64String(id) % danglingFan
}

func (c *danglingChecker) addNode(id string) error {
	return c.nodes[bucketOf(id)].append(id)
}

func (c *danglingChecker) addRef(id string) error {
	return c.refs[bucketOf(id)].append(id)
}

// count closes the buckets and performs the per-bucket anti-join,
// reporting every dangling reference to the sink by prefix.
func (c *danglingChecker) count(sink *diag.Sink) (uint64, error) {
	for _, w := range append(append([]*idWriter(nil), c.nodes...), c.refs...) {
		if err := w.close(); err != nil {
			return 0, err
		}
	}
	var total uint64
	for i := 0; i < danglingFan; i++ {
		present := make(map[string]struct{})
		err := scanIDs(c.nodes[i].path, func(id string) error {
			present[id] = struct{}{}
			return nil
		})
		if err != nil {
			return 0, err
		}
		err = scanIDs(c.refs[i].path, func(id string) error {
			if _, ok := present[id]; !ok {
				total++
				sink.Dangling(kgx.CuriePrefix(id))
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// idWriter appends identifier strings to a gob bucket.
type idWriter struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	enc  *gob.Encoder
}

func newIDWriter(path string) (*idWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create id bucket %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(f, 256<<10)
	return &idWriter{path: path, f: f, buf: buf, enc: gob.NewEncoder(buf)}, nil
}

func (w *idWriter) append(id string) error {
	if err := w.enc.Encode(&id); err != nil {
		return fmt.Errorf("write id bucket %s: %w", w.path, err)
	}
	return nil
}

func (w *idWriter) close() error {
	if w.f == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		w.f = nil
		return fmt.Errorf("flush id bucket %s: %w", w.path, err)
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("close id bucket %s: %w", w.path, err)
	}
	return nil
}

func scanIDs(path string, fn func(string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open id bucket %s: %w", path, err)
	}
	defer f.Close()
	dec := gob.NewDecoder(bufio.NewReaderSize(f, 256<<10))
	for {
		var id string
		if err := dec.Decode(&id); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read id bucket %s: %w", path, err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
}
