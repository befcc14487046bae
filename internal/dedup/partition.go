package dedup

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// spillRecord is the on-disk encoding of a row inside a partition run
// file. The schema is written once per file as a plain []string before
// the records.
type spillRecord struct {
	Values []string
	Source string
	File   string
	Line   int
	Rank   int
	Seq    uint64
}

// partitionHash buckets a key. Depth salts the hash so a recursive
// re-split of an oversized partition lands rows in fresh buckets.
func partitionHash(key string, depth int) uint64 {
	if depth == 0 {
		return xxhash.Sum64String(key)
	}
	d := xxhash.New()
	d.WriteString(key)
	for i := 0; i < depth; i++ {
		d.WriteString("#respill")
	}
	return d.Sum64()
}

// partitionWriter owns one run file. A mutex serializes appends so the
// sharded fan-in can write from any worker.
type partitionWriter struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	buf   *bufio.Writer
	enc   *gob.Encoder
	bytes int64
	rows  uint64
}

func newPartitionWriter(path string, schema *kgx.Schema) (*partitionWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create partition %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(schema.Columns()); err != nil {
		f.Close()
		return nil, fmt.Errorf("write partition header %s: %w", path, err)
	}
	return &partitionWriter{path: path, f: f, buf: buf, enc: enc}, nil
}

func (w *partitionWriter) append(row *kgx.Row) error {
	rec := spillRecord{
		Values: row.Values,
		Source: row.Source,
		File:   row.File,
		Line:   row.Line,
		Rank:   row.Rank,
		Seq:    row.Seq,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(&rec); err != nil {
		return fmt.Errorf("write partition %s: %w", w.path, err)
	}
	for _, v := range row.Values {
		w.bytes += int64(len(v)) + 16
	}
	w.rows++
	return nil
}

func (w *partitionWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		w.f = nil
		return fmt.Errorf("flush partition %s: %w", w.path, err)
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("close partition %s: %w", w.path, err)
	}
	return nil
}

// partitionReader streams a run file back, reconstructing rows against
// the schema recorded in the file.
type partitionReader struct {
	path   string
	f      *os.File
	dec    *gob.Decoder
	schema *kgx.Schema
}

func openPartition(path string) (*partitionReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", path, err)
	}
	dec := gob.NewDecoder(bufio.NewReaderSize(f, 1<<20))
	var columns []string
	if err := dec.Decode(&columns); err != nil {
		f.Close()
		return nil, fmt.Errorf("read partition header %s: %w", path, err)
	}
	schema, err := kgx.NewSchema(columns)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("partition %s: %w", path, err)
	}
	return &partitionReader{path: path, f: f, dec: dec, schema: schema}, nil
}

func (r *partitionReader) next() (*kgx.Row, error) {
	var rec spillRecord
	if err := r.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read partition %s: %w", r.path, err)
	}
	return &kgx.Row{
		Schema: r.schema,
		Values: rec.Values,
		Source: rec.Source,
		File:   rec.File,
		Line:   rec.Line,
		Rank:   rec.Rank,
		Seq:    rec.Seq,
	}, nil
}

func (r *partitionReader) close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func partitionPath(dir string, depth, bucket int) string {
	return filepath.Join(dir, fmt.Sprintf("run-d%d-p%04d.gob", depth, bucket))
}
