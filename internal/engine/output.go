package engine

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// tsvWriter writes merged rows as header-first TSV with columns in
// canonical order.
type tsvWriter struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	cols []string
	idx  []int // canonical position -> schema position
	rows uint64
}

func newTSVWriter(path string, schema *kgx.Schema, universe []string) (*tsvWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output %s: %w", path, err)
	}
	w := &tsvWriter{
		path: path,
		f:    f,
		buf:  bufio.NewWriterSize(f, 1<<20),
		cols: schema.CanonicalOrder(universe),
	}
	w.idx = make([]int, len(w.cols))
	for i, c := range w.cols {
		w.idx[i] = schema.Index(c)
	}
	if _, err := w.buf.WriteString(strings.Join(w.cols, "\t") + "\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("write output %s: %w", path, err)
	}
	return w, nil
}

func (w *tsvWriter) write(row *kgx.Row) error {
	for i, j := range w.idx {
		if i > 0 {
			if err := w.buf.WriteByte('\t'); err != nil {
				return fmt.Errorf("write output %s: %w", w.path, err)
			}
		}
		v := ""
		if j >= 0 && j < len(row.Values) {
			v = row.Values[j]
		}
		if _, err := w.buf.WriteString(v); err != nil {
			return fmt.Errorf("write output %s: %w", w.path, err)
		}
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("write output %s: %w", w.path, err)
	}
	w.rows++
	return nil
}

func (w *tsvWriter) close() error {
	if w.f == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		w.f = nil
		return fmt.Errorf("flush output %s: %w", w.path, err)
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("close output %s: %w", w.path, err)
	}
	return nil
}
