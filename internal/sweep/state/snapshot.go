package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotFile is the per-run-directory record of the state point.
const SnapshotFile = "state.msgpack"

type snapshotDoc struct {
	Version     int       `msgpack:"version"`
	Pairs       []Pair    `msgpack:"pairs"`
	Fingerprint string    `msgpack:"fingerprint"`
	SavedAt     time.Time `msgpack:"saved_at"`
}

// SaveSnapshot persists p into dir atomically.
func SaveSnapshot(dir string, p Point) error {
	b, err := msgpack.Marshal(snapshotDoc{
		Version:     1,
		Pairs:       p.Pairs(),
		Fingerprint: p.Fingerprint(),
		SavedAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, SnapshotFile))
}

// LoadSnapshot reads the state point persisted in dir.
func LoadSnapshot(dir string) (Point, error) {
	path := filepath.Join(dir, SnapshotFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return Point{}, err
	}
	var doc snapshotDoc
	if err := msgpack.Unmarshal(b, &doc); err != nil {
		return Point{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.Version != 1 {
		return Point{}, fmt.Errorf("decode %s: unsupported snapshot version %d", path, doc.Version)
	}
	p := PointFromPairs(doc.Pairs)
	if doc.Fingerprint != "" && doc.Fingerprint != p.Fingerprint() {
		return Point{}, fmt.Errorf("decode %s: fingerprint mismatch", path)
	}
	return p, nil
}

// HasSnapshot reports whether dir carries a snapshot.
func HasSnapshot(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, SnapshotFile))
	return !errors.Is(err, os.ErrNotExist)
}
