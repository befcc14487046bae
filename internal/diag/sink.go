// Package diag is the shared diagnostic sink. Workers report
// row-level problems here instead of failing; the sink counts them,
// keeps the first occurrence of each kind for the crash summary, and
// forwards a bounded sample to the log.
package diag

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind classifies a recoverable row-level diagnostic.
type Kind string

const (
	KindParse      Kind = "parse_errors"
	KindInvalid    Kind = "dropped.invalid"
	KindDangling   Kind = "dangling_refs"
	KindDuplicate  Kind = "duplicates_collapsed"
	KindPruned     Kind = "pruned_edges"
	KindSanitized  Kind = "sanitized_values"
)

// logSampleLimit bounds how many diagnostics of one kind reach the log;
// everything past it is counted only.
const logSampleLimit = 20

// Diagnostic is one recorded problem with its source position.
type Diagnostic struct {
	Kind    Kind
	File    string
	Line    int
	Message string
}

// Sink accumulates diagnostics from all workers. Safe for concurrent
// use; a single mutex serializes the counters, which is cheap because
// reporting is rare relative to row throughput.
type Sink struct {
	mu       sync.Mutex
	logger   *logrus.Logger
	counts   map[Kind]uint64
	first    map[Kind]Diagnostic
	byPrefix map[string]uint64
}

// NewSink returns an empty sink logging samples through logger.
func NewSink(logger *logrus.Logger) *Sink {
	return &Sink{
		logger:   logger,
		counts:   make(map[Kind]uint64),
		first:    make(map[Kind]Diagnostic),
		byPrefix: make(map[string]uint64),
	}
}

// Report records a diagnostic with a source position.
func (s *Sink) Report(kind Kind, file string, line int, message string) {
	s.mu.Lock()
	s.counts[kind]++
	n := s.counts[kind]
	if _, ok := s.first[kind]; !ok {
		s.first[kind] = Diagnostic{Kind: kind, File: file, Line: line, Message: message}
	}
	s.mu.Unlock()

	if n <= logSampleLimit && s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"kind": string(kind),
			"file": file,
			"line": line,
		}).Debug(message)
	}
}

// Count bumps a counter without a source position, for events that are
// expected in bulk (collapsed duplicates, pruned edges).
func (s *Sink) Count(kind Kind, n uint64) {
	s.mu.Lock()
	s.counts[kind] += n
	s.mu.Unlock()
}

// Dangling records an edge reference to an id missing from the merged
// nodes, keyed by the referencing identifier's prefix.
func (s *Sink) Dangling(prefix string) {
	s.mu.Lock()
	s.counts[KindDangling]++
	s.byPrefix[prefix]++
	s.mu.Unlock()
}

// Counts returns a snapshot of all counters.
func (s *Sink) Counts() map[Kind]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Kind]uint64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// DanglingByPrefix returns dangling-reference counts keyed by prefix.
func (s *Sink) DanglingByPrefix() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.byPrefix))
	for k, v := range s.byPrefix {
		out[k] = v
	}
	return out
}

// First returns the first diagnostic recorded for a kind, if any.
func (s *Sink) First(kind Kind) (Diagnostic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.first[kind]
	return d, ok
}

// Summary renders the counters in a stable order for the final log
// line and the stats document.
func (s *Sink) Summary() []struct {
	Kind  Kind
	Count uint64
} {
	counts := s.Counts()
	kinds := make([]Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	out := make([]struct {
		Kind  Kind
		Count uint64
	}, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, struct {
			Kind  Kind
			Count uint64
		}{k, counts[k]})
	}
	return out
}
