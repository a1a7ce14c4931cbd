// Package dedup keeps a persisted registry of content hashes so identical
// payloads are processed once.
package dedup

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"

	"github.com/javi11/rarlink/internal/database"
)

// HashRepository is the persistence the store needs
type HashRepository interface {
	InsertIfAbsent(ctx context.Context, rec *database.HashRecord) (bool, *database.HashRecord, error)
	GetByHash(ctx context.Context, hash string) (*database.HashRecord, error)
}

// Result describes a dedup decision
type Result struct {
	Duplicate bool
	Hash      string
	Size      int64
	// Original is the previously recorded file when Duplicate is true. Its
	// path may equal the checked identity when the same archive was already
	// processed.
	Original *database.HashRecord
}

// Store checks and records content hashes
type Store struct {
	repo HashRepository
	fsys afero.Fs
	log  *slog.Logger
}

// NewStore creates a dedup store
func NewStore(repo HashRepository, fsys afero.Fs) *Store {
	return &Store{
		repo: repo,
		fsys: fsys,
		log:  slog.Default().With("component", "dedup"),
	}
}

// CheckAndRecord hashes the file at path. Any recorded match is a
// duplicate, including one recorded under the same path; otherwise the hash
// is recorded.
func (s *Store) CheckAndRecord(ctx context.Context, path string) (Result, error) {
	return s.CheckAndRecordSet(ctx, path, []string{path})
}

// CheckAndRecordSet hashes the concatenation of volumes, recording the
// result under identity (the first volume path) unless it is a duplicate.
func (s *Store) CheckAndRecordSet(ctx context.Context, identity string, volumes []string) (Result, error) {
	hash, size, err := s.hashFiles(ctx, volumes)
	if err != nil {
		return Result{}, err
	}

	res, err := s.record(ctx, identity, hash, size)
	if err != nil {
		return Result{}, err
	}
	if res.Duplicate {
		s.logDuplicate(ctx, identity, res)
	}
	return res, nil
}

// CheckSet hashes volumes and reports whether the content is already
// recorded, without recording it. Pair with Record once processing
// succeeded, so content that failed can be tried again.
func (s *Store) CheckSet(ctx context.Context, identity string, volumes []string) (Result, error) {
	hash, size, err := s.hashFiles(ctx, volumes)
	if err != nil {
		return Result{}, err
	}

	existing, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		return Result{}, err
	}
	res := Result{Hash: hash, Size: size}
	if existing != nil {
		res.Duplicate = true
		res.Original = existing
		s.logDuplicate(ctx, identity, res)
	}
	return res, nil
}

// Record stores a hash computed by CheckSet under identity. A concurrent
// record of the same content keeps the first one.
func (s *Store) Record(ctx context.Context, identity string, res Result) error {
	_, err := s.record(ctx, identity, res.Hash, res.Size)
	return err
}

func (s *Store) record(ctx context.Context, identity, hash string, size int64) (Result, error) {
	inserted, existing, err := s.repo.InsertIfAbsent(ctx, &database.HashRecord{
		Hash:     hash,
		Filename: filepath.Base(identity),
		Path:     identity,
		Size:     size,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Hash: hash, Size: size}
	if !inserted && existing != nil {
		res.Duplicate = true
		res.Original = existing
	}
	return res, nil
}

func (s *Store) logDuplicate(ctx context.Context, identity string, res Result) {
	s.log.InfoContext(ctx, "Duplicate content detected",
		"file", identity,
		"original", res.Original.Path,
		"hash", res.Hash)
}

func (s *Store) hashFiles(ctx context.Context, paths []string) (string, int64, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}

	var total int64
	buf := make([]byte, 1<<20)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}

		f, err := s.fsys.Open(p)
		if err != nil {
			return "", 0, fmt.Errorf("failed to open %s for hashing: %w", p, err)
		}
		n, err := io.CopyBuffer(h, f, buf)
		f.Close()
		if err != nil {
			return "", 0, fmt.Errorf("failed to hash %s: %w", p, err)
		}
		total += n
	}

	return hex.EncodeToString(h.Sum(nil)), total, nil
}
