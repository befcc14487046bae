// Package reader streams delimiter-separated rows from the files of a
// logical source, hiding file count, compression and column-order
// differences behind a single iterator.
package reader

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/kgfuse/kgfuse-go/internal/diag"
	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// TableKind selects the required-column rule for a source file.
type TableKind int

const (
	NodeTable TableKind = iota
	EdgeTable
)

// ErrSchema marks a source whose header lacks a required column. The
// source is refused entirely; the engine may continue with the rest.
var ErrSchema = errors.New("schema error")

// maxLineBytes bounds a single row. UniProt description fields run
// long but nowhere near this.
const maxLineBytes = 16 * 1024 * 1024

// Source describes one logical source's files for one table kind.
type Source struct {
	Name  string
	Rank  int
	Kind  TableKind
	Paths []string
}

func (k TableKind) required() []string {
	if k == NodeTable {
		return []string{kgx.ColID, kgx.ColCategory}
	}
	return []string{kgx.ColSubject, kgx.ColPredicate, kgx.ColObject}
}

// segment is one physical file: a plain path, or a member of a
// tarball addressed by path + member name.
type segment struct {
	path   string
	member string // empty unless inside a tar archive
	schema *kgx.Schema
}

func (s segment) display() string {
	if s.member == "" {
		return s.path
	}
	return s.path + "!" + s.member
}

// Reader iterates the rows of one source. Not safe for concurrent
// use; run one Reader per goroutine as the engine does.
type Reader struct {
	source Source
	sink   *diag.Sink
	schema *kgx.Schema

	segments []segment
	seg      int

	closer  io.Closer
	tr      *tar.Reader // non-nil while inside a tarball
	scanner *bufio.Scanner
	cur     segment
	curCols []int // header position -> union schema position
	line    int
}

// Open scans the headers of every file of the source, computes the
// union schema, and returns a reader positioned before the first row.
// A missing required column anywhere in the source returns ErrSchema.
func Open(source Source, sink *diag.Sink) (*Reader, error) {
	segments, err := scanSegments(source)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		empty, _ := kgx.NewSchema(source.Kind.required())
		return &Reader{source: source, sink: sink, schema: empty}, nil
	}

	union := segments[0].schema
	for _, seg := range segments[1:] {
		union = union.Union(seg.schema)
	}
	for _, col := range source.Kind.required() {
		if !union.Has(col) {
			return nil, fmt.Errorf("%w: source %q missing column %q", ErrSchema, source.Name, col)
		}
	}

	return &Reader{
		source:   source,
		sink:     sink,
		schema:   union,
		segments: segments,
	}, nil
}

// Schema returns the union schema of every file in the source.
func (r *Reader) Schema() *kgx.Schema { return r.schema }

// Next returns the next row, io.EOF at the end of the source, or a
// fatal read error. Parse errors are reported to the sink and skipped.
func (r *Reader) Next() (*kgx.Row, error) {
	for {
		if r.scanner == nil {
			if err := r.advanceSegment(); err != nil {
				return nil, err
			}
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read %s: %w", r.cur.display(), err)
			}
			r.closeCurrent()
			continue
		}
		r.line++
		row, ok := r.parseLine(r.scanner.Text())
		if !ok {
			continue
		}
		return row, nil
	}
}

// Close releases the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer != nil {
		err := r.closer.Close()
		r.closer = nil
		return err
	}
	return nil
}

func (r *Reader) parseLine(line string) (*kgx.Row, bool) {
	if line == "" {
		return nil, false
	}
	fields := strings.Split(line, "\t")
	if len(fields) > len(r.curCols) {
		// An embedded tab: the row carries more fields than its header
		// declared. No quoting rule can recover it.
		r.sink.Report(diag.KindParse, r.cur.display(), r.line,
			fmt.Sprintf("row has %d fields, header declared %d", len(fields), len(r.curCols)))
		return nil, false
	}
	row := &kgx.Row{
		Schema: r.schema,
		Values: make([]string, r.schema.Len()),
		Source: r.source.Name,
		File:   r.cur.display(),
		Line:   r.line,
		Rank:   r.source.Rank,
	}
	for i, v := range fields {
		if j := r.curCols[i]; j >= 0 {
			row.Values[j] = v
		}
	}
	return row, true
}

// advanceSegment opens the next physical file and positions past its
// header line.
func (r *Reader) advanceSegment() error {
	if r.seg >= len(r.segments) {
		return io.EOF
	}
	seg := r.segments[r.seg]

	f, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", seg.path, err)
	}

	var stream io.Reader = f
	switch {
	case isTarball(seg.path):
		// Each member is opened with a fresh pass over the archive so
		// segment order stays lexicographic whatever the tar layout.
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("open %s: %w", seg.path, err)
		}
		r.tr = tar.NewReader(gz)
		r.closer = f
		r.cur = seg
		if err := r.seekTarMember(seg.member); err != nil {
			r.closeCurrent()
			return err
		}
		stream = r.tr
	case strings.HasSuffix(seg.path, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("open %s: %w", seg.path, err)
		}
		r.closer = f
		r.cur = seg
		stream = gz
	default:
		r.closer = f
		r.cur = seg
	}

	return r.beginSegment(stream)
}

// beginSegment installs the scanner for the current segment and maps
// its header onto the union schema.
func (r *Reader) beginSegment(stream io.Reader) error {
	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return fmt.Errorf("read %s: %w", r.cur.display(), err)
		}
		// Header-only or empty file: yield nothing from it.
		r.closeCurrent()
		r.scanner = nil
		r.curCols = nil
		return r.advanceIfMore()
	}
	header := strings.Split(strings.TrimRight(sc.Text(), "\r"), "\t")
	r.curCols = make([]int, len(header))
	for i, col := range header {
		r.curCols[i] = r.schema.Index(strings.TrimSpace(col))
	}
	r.scanner = sc
	r.line = 1
	return nil
}

func (r *Reader) advanceIfMore() error {
	if r.seg >= len(r.segments) {
		return io.EOF
	}
	return r.advanceSegment()
}

// seekTarMember advances the tar stream to the named member.
func (r *Reader) seekTarMember(member string) error {
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			return fmt.Errorf("tar %s: member %q not found", r.cur.path, member)
		}
		if err != nil {
			return fmt.Errorf("tar %s: %w", r.cur.path, err)
		}
		if hdr.Typeflag == tar.TypeReg && hdr.Name == member {
			return nil
		}
	}
}

func (r *Reader) closeCurrent() {
	if r.closer != nil {
		r.closer.Close()
		r.closer = nil
	}
	r.tr = nil
	r.scanner = nil
	r.seg++
}

func isTarball(path string) bool {
	return strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz")
}

// scanSegments reads the header of every physical file to build the
// segment list. Tarball members are enumerated in lexicographic order.
func scanSegments(source Source) ([]segment, error) {
	var segments []segment
	for _, path := range source.Paths {
		if isTarball(path) {
			members, err := scanTarHeaders(path)
			if err != nil {
				return nil, err
			}
			segments = append(segments, members...)
			continue
		}
		schema, empty, err := scanHeader(path)
		if err != nil {
			return nil, err
		}
		if empty {
			continue
		}
		segments = append(segments, segment{path: path, schema: schema})
	}
	return segments, nil
}

// scanHeader opens a plain or gzip file and parses its header line.
// empty is true for a zero-byte file.
func scanHeader(path string) (*kgx.Schema, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var stream io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, false, fmt.Errorf("open %s: %w", path, err)
		}
		defer gz.Close()
		stream = gz
	}
	return parseHeader(stream, path)
}

func parseHeader(stream io.Reader, path string) (*kgx.Schema, bool, error) {
	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, false, fmt.Errorf("read %s: %w", path, err)
		}
		return nil, true, nil
	}
	cols := strings.Split(strings.TrimRight(sc.Text(), "\r"), "\t")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	schema, err := kgx.NewSchema(cols)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrSchema, path, err)
	}
	return schema, false, nil
}

// scanTarHeaders enumerates the regular members of a tarball and
// parses each member's header line.
func scanTarHeaders(path string) ([]segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var segments []segment
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		schema, empty, err := parseHeader(tr, path+"!"+hdr.Name)
		if err != nil {
			return nil, err
		}
		if empty {
			continue
		}
		segments = append(segments, segment{path: path, member: hdr.Name, schema: schema})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].member < segments[j].member })
	return segments, nil
}
