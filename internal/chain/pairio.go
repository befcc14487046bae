package chain

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// pair is one tuple of an intermediate relation: the chain anchor and
// the current frontier identifier (or, in edge buckets, the join key
// and the hop target).
type pair struct {
	A, B string
}

// pairWriter appends pairs to a spill bucket.
type pairWriter struct {
	path  string
	f     *os.File
	buf   *bufio.Writer
	enc   *gob.Encoder
	count uint64
	bytes int64
}

func newPairWriter(path string) (*pairWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create chain bucket %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	return &pairWriter{path: path, f: f, buf: buf, enc: gob.NewEncoder(buf)}, nil
}

func (w *pairWriter) append(p pair) error {
	if err := w.enc.Encode(&p); err != nil {
		return fmt.Errorf("write chain bucket %s: %w", w.path, err)
	}
	w.count++
	w.bytes += int64(len(p.A)+len(p.B)) + 8
	return nil
}

func (w *pairWriter) close() error {
	if w.f == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		w.f = nil
		return fmt.Errorf("flush chain bucket %s: %w", w.path, err)
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("close chain bucket %s: %w", w.path, err)
	}
	return nil
}

// pairReader streams a spill bucket back.
type pairReader struct {
	path string
	f    *os.File
	dec  *gob.Decoder
}

func openPairs(path string) (*pairReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chain bucket %s: %w", path, err)
	}
	return &pairReader{path: path, f: f, dec: gob.NewDecoder(bufio.NewReaderSize(f, 1<<20))}, nil
}

func (r *pairReader) next() (pair, error) {
	var p pair
	if err := r.dec.Decode(&p); err != nil {
		if err == io.EOF {
			return pair{}, io.EOF
		}
		return pair{}, fmt.Errorf("read chain bucket %s: %w", r.path, err)
	}
	return p, nil
}

func (r *pairReader) close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// scanPairs walks every pair of a bucket file.
func scanPairs(path string, fn func(pair) error) error {
	r, err := openPairs(path)
	if err != nil {
		return err
	}
	defer r.close()
	for {
		p, err := r.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
}
