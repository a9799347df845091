package collect

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/dynamomd/dynasweep/internal/sweep/state"
)

type rawDoc struct {
	Version     int       `msgpack:"version"`
	SavedAt     time.Time `msgpack:"saved_at"`
	Vars        []string  `msgpack:"vars"`
	Observables []string  `msgpack:"observables"`
	Entries     []*Entry  `msgpack:"entries"`
}

type rawFile struct {
	Digest  string `msgpack:"digest"`
	Payload []byte `msgpack:"payload"`
}

// SaveRaw persists the merged accumulators so that tables can be rebuilt
// without re-reading artifacts.
func SaveRaw(path string, r *Result) error {
	payload, err := msgpack.Marshal(rawDoc{
		Version:     1,
		SavedAt:     time.Now().UTC(),
		Vars:        r.Vars,
		Observables: r.Observables,
		Entries:     r.Sorted(),
	})
	if err != nil {
		return err
	}
	sum := blake3.Sum256(payload)
	b, err := msgpack.Marshal(rawFile{Digest: hex.EncodeToString(sum[:]), Payload: payload})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadRaw reads a file written by SaveRaw, verifying its digest.
func LoadRaw(path string) (*Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f rawFile
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	sum := blake3.Sum256(f.Payload)
	if hex.EncodeToString(sum[:]) != f.Digest {
		return nil, fmt.Errorf("decode %s: digest mismatch", path)
	}
	var doc rawDoc
	if err := msgpack.Unmarshal(f.Payload, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("decode %s: unsupported version %d", path, doc.Version)
	}
	res := &Result{Vars: doc.Vars, Observables: doc.Observables, Entries: make(map[string]*Entry, len(doc.Entries))}
	for _, e := range doc.Entries {
		e.Point = state.PointFromPairs(e.Pairs)
		if err := res.add(e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return res, nil
}
