// Package ingest walks a directory tree and feeds it into the catalog.
package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Fybrk/dupfinder/internal/catalog"
	"github.com/Fybrk/dupfinder/internal/logging"
	"github.com/Fybrk/dupfinder/pkg/types"
)

// Entry is one regular file found under a root. RelPath is slash separated.
type Entry struct {
	RelPath string
	Size    int64
	ModTime int64
}

// Seed is previously persisted fingerprint state for a relative path. It is
// applied only when size and timestamp still match.
type Seed struct {
	Size      int64
	ModTime   int64
	Checksums types.Checksums
}

// Result summarizes one ingestion.
type Result struct {
	Files   int
	Seeded  int
	Bytes   int64
	Skipped int
}

// Scan walks root and returns every regular file. Unreadable subdirectories
// are logged and skipped.
func Scan(root string, log *zap.Logger) ([]Entry, error) {
	log = logging.OrNop(log)

	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var entries []Entry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			log.Warn("Skipping unreadable path", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		entry, err := Stat(root, p)
		if err != nil {
			log.Warn("Skipping file", zap.String("path", p), zap.Error(err))
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	return entries, err
}

// Stat describes a single file relative to root.
func Stat(root, p string) (Entry, error) {
	info, err := os.Stat(p)
	if err != nil {
		return Entry{}, err
	}
	if !info.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("%s is not a regular file", p)
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		RelPath: filepath.ToSlash(rel),
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	}, nil
}

// Populate adds entries to a context. Entries whose seed still matches get
// the seeded fingerprints; the rest start at size depth.
func Populate(cat *catalog.Catalog, ctx types.ContextID, entries []Entry, seeds map[string]Seed) (Result, error) {
	var result Result
	for _, e := range entries {
		id, err := Add(cat, ctx, e)
		if errors.Is(err, catalog.ErrExists) {
			result.Skipped++
			continue
		}
		if err != nil {
			return result, err
		}
		result.Files++
		result.Bytes += e.Size

		if seed, ok := seeds[e.RelPath]; ok && seed.Size == e.Size && seed.ModTime == e.ModTime {
			cat.SetChecksums(id, seed.Checksums)
			result.Seeded++
		}
	}
	return result, nil
}

// Add places one entry in the catalog, creating folders as needed.
func Add(cat *catalog.Catalog, ctx types.ContextID, e Entry) (types.FileID, error) {
	dir, name := path.Split(e.RelPath)
	folder, err := cat.FolderFor(ctx, dir)
	if err != nil {
		return 0, err
	}
	return cat.AddFile(folder, name, e.Size, e.ModTime)
}
