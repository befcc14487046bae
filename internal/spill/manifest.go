// Package spill manages the on-disk scratch area shared by the
// deduplicator and the chain reducer. A bbolt manifest records run
// state so a crashed run is recognized and refused on the next start.
package spill

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// ErrDirty is returned when the spill directory holds the remains of
// a crashed run and neither resume flag was given.
var ErrDirty = errors.New("spill directory holds an unfinished run")

const manifestFile = "manifest.db"

var (
	bucketRun = []byte("run")

	keyID      = []byte("id")
	keyPhase   = []byte("phase")
	keyStarted = []byte("started")
)

// Run phases recorded in the manifest.
const (
	PhaseRunning = "running"
	PhaseClean   = "clean"
)

// Area is an open spill directory with its manifest.
type Area struct {
	Dir   string
	RunID string
	db    *bolt.DB
}

// Open prepares the spill directory. An unfinished previous run is
// refused unless resume or forceRestart is set; forceRestart wipes the
// directory first, resume keeps the previous run id and files.
func Open(dir string, resume, forceRestart bool) (*Area, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}

	path := filepath.Join(dir, manifestFile)
	if _, err := os.Stat(path); err == nil {
		phase, prevID, err := readPhase(path)
		if err != nil {
			return nil, err
		}
		if phase == PhaseRunning {
			switch {
			case forceRestart:
				if err := wipe(dir); err != nil {
					return nil, err
				}
			case resume:
				return reopen(dir, path, prevID)
			default:
				return nil, fmt.Errorf("%w (%s); pass --resume to continue or --force-resume to start over", ErrDirty, dir)
			}
		}
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open spill manifest: %w", err)
	}
	a := &Area{Dir: dir, RunID: uuid.NewString(), db: db}
	if err := a.write(PhaseRunning); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Path returns a file path inside the spill area.
func (a *Area) Path(parts ...string) string {
	return filepath.Join(append([]string{a.Dir}, parts...)...)
}

// Subdir creates and returns a named scratch subdirectory.
func (a *Area) Subdir(name string) (string, error) {
	dir := filepath.Join(a.Dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create spill subdir: %w", err)
	}
	return dir, nil
}

// Finish marks the run clean and removes the scratch files. Called on
// successful completion only; a crash leaves everything for
// post-mortem.
func (a *Area) Finish() error {
	if err := a.write(PhaseClean); err != nil {
		return err
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("close spill manifest: %w", err)
	}
	a.db = nil
	return wipe(a.Dir)
}

// Close releases the manifest without touching the phase. A run that
// stops here reads as unfinished on the next start.
func (a *Area) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *Area) write(phase string) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketRun)
		if err != nil {
			return err
		}
		if err := b.Put(keyID, []byte(a.RunID)); err != nil {
			return err
		}
		if err := b.Put(keyStarted, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
			return err
		}
		return b.Put(keyPhase, []byte(phase))
	})
	if err != nil {
		return fmt.Errorf("update spill manifest: %w", err)
	}
	return nil
}

func readPhase(path string) (phase, runID string, err error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return "", "", fmt.Errorf("open spill manifest: %w", err)
	}
	defer db.Close()
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRun)
		if b == nil {
			return nil
		}
		phase = string(b.Get(keyPhase))
		runID = string(b.Get(keyID))
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("read spill manifest: %w", err)
	}
	return phase, runID, nil
}

func reopen(dir, path, prevID string) (*Area, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open spill manifest: %w", err)
	}
	return &Area{Dir: dir, RunID: prevID, db: db}, nil
}

// wipe removes everything under dir, including the manifest.
func wipe(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read spill dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clean spill dir: %w", err)
		}
	}
	return nil
}
