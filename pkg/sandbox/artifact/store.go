/*
Copyright 2026 The Sandboxd Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package artifact is the content-addressed store for files produced inside
// sandbox containers. Blobs live on the filesystem under one directory per
// deployment; metadata lives in an embedded SQLite database and every read
// re-verifies the recorded SHA-256.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	deployment_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size INTEGER NOT NULL,
	sha256 TEXT NOT NULL,
	created_at TEXT NOT NULL,
	path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_deployment ON artifacts(deployment_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_sha256 ON artifacts(sha256);
`

// Metadata describes one stored artifact. URL is the stable download path.
type Metadata struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256"`
	CreatedAt    time.Time `json:"created_at"`
	Path         string    `json:"-"`
	URL          string    `json:"url"`
}

// Store owns the metadata rows and the blob files together: a row is only
// inserted once its file is fully on disk.
type Store struct {
	db   *sql.DB
	fs   afero.Fs
	root string

	initOnce sync.Once
	initErr  error
}

// New opens the store. dbPath is the SQLite file, root the blob directory.
// Schema initialization is lazy and idempotent.
func New(dbPath, root string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening artifacts db %q: %w", dbPath, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	return &Store{db: db, fs: afero.NewOsFs(), root: root}, nil
}

// NewWithFs injects the blob filesystem, for tests.
func NewWithFs(dbPath, root string, fs afero.Fs) (*Store, error) {
	s, err := New(dbPath, root)
	if err != nil {
		return nil, err
	}
	s.fs = fs
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	s.initOnce.Do(func() {
		if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
			s.initErr = fmt.Errorf("creating artifacts dir: %w", err)
			return
		}
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			s.initErr = fmt.Errorf("initializing artifacts schema: %w", err)
			return
		}
		log.Entry(ctx).Debugf("artifact store ready at %s", s.root)
	})
	return s.initErr
}

// Close closes the metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the content under <root>/<deployment>/<id>_<name> and inserts
// the metadata row. The file is written to a temp name and renamed so a
// partial write never backs a row.
func (s *Store) Save(ctx context.Context, deploymentID, filename string, content []byte, contentType string) (Metadata, error) {
	if err := s.init(ctx); err != nil {
		return Metadata{}, err
	}

	// Ids are bare hex so they read cleanly in URLs and filenames.
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	sum := digest.SHA256.FromBytes(content).Encoded()

	dir := filepath.Join(s.root, deploymentID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("creating deployment dir: %w", err)
	}

	filePath := filepath.Join(dir, id+"_"+sanitizeFilename(filename))
	tmpPath := filePath + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, content, 0o644); err != nil {
		return Metadata{}, fmt.Errorf("writing artifact: %w", err)
	}
	if err := s.fs.Rename(tmpPath, filePath); err != nil {
		s.fs.Remove(tmpPath)
		return Metadata{}, fmt.Errorf("committing artifact: %w", err)
	}

	md := Metadata{
		ID:           id,
		DeploymentID: deploymentID,
		Filename:     filename,
		ContentType:  contentType,
		Size:         int64(len(content)),
		SHA256:       sum,
		CreatedAt:    time.Now().UTC(),
		Path:         filePath,
		URL:          path.Join("/api/artifacts", id),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, deployment_id, filename, content_type, size, sha256, created_at, path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		md.ID, md.DeploymentID, md.Filename, md.ContentType, md.Size, md.SHA256,
		md.CreatedAt.Format(time.RFC3339Nano), md.Path)
	if err != nil {
		// No row without a file, and no file without a row.
		s.fs.Remove(filePath)
		return Metadata{}, fmt.Errorf("recording artifact: %w", err)
	}

	log.Entry(ctx).Infof("saved artifact %s (%s, %s) for %q",
		md.ID, md.Filename, humanize.Bytes(uint64(md.Size)), deploymentID)
	return md, nil
}

// Get returns the metadata and content of an artifact. Content is re-hashed
// on every read: a mismatch is an *IntegrityError and a missing file is
// ErrCorruptStore, both with the row left in place.
func (s *Store) Get(ctx context.Context, id string) (Metadata, []byte, error) {
	if err := s.init(ctx); err != nil {
		return Metadata{}, nil, err
	}

	md, err := s.queryOne(ctx, "SELECT * FROM artifacts WHERE id = ?", id)
	if err != nil {
		return Metadata{}, nil, err
	}

	exists, err := afero.Exists(s.fs, md.Path)
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("checking artifact file: %w", err)
	}
	if !exists {
		log.Entry(ctx).Errorf("artifact %s has a row but no file at %s", id, md.Path)
		return Metadata{}, nil, fmt.Errorf("artifact %s: %w", id, ErrCorruptStore)
	}

	content, err := afero.ReadFile(s.fs, md.Path)
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("reading artifact %s: %w", id, err)
	}

	if actual := digest.SHA256.FromBytes(content).Encoded(); actual != md.SHA256 {
		log.Entry(ctx).Errorf("artifact %s failed integrity check", id)
		return Metadata{}, nil, &IntegrityError{ID: id, Expected: md.SHA256, Actual: actual}
	}

	return md, content, nil
}

// Metadata returns the metadata row alone, without touching the blob.
func (s *Store) Metadata(ctx context.Context, id string) (Metadata, error) {
	if err := s.init(ctx); err != nil {
		return Metadata{}, err
	}
	return s.queryOne(ctx, "SELECT * FROM artifacts WHERE id = ?", id)
}

// List returns artifacts newest first, optionally filtered by deployment.
func (s *Store) List(ctx context.Context, deploymentID string, limit, offset int) ([]Metadata, error) {
	if limit < 1 || limit > 1000 || offset < 0 {
		return nil, ErrInvalidRange
	}
	if err := s.init(ctx); err != nil {
		return nil, err
	}

	var rows *sql.Rows
	var err error
	// rowid breaks ties between artifacts saved within the same timestamp.
	if deploymentID != "" {
		rows, err = s.db.QueryContext(ctx,
			"SELECT * FROM artifacts WHERE deployment_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
			deploymentID, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT * FROM artifacts ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		md, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

// Delete removes the file then the row, reporting whether a row existed.
// A missing file does not block row removal.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.init(ctx); err != nil {
		return false, err
	}

	md, err := s.queryOne(ctx, "SELECT * FROM artifacts WHERE id = ?", id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := s.fs.Remove(md.Path); err != nil && !isNotExist(err) {
		return false, fmt.Errorf("removing artifact file: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM artifacts WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("removing artifact row: %w", err)
	}

	log.Entry(ctx).Infof("deleted artifact %s", id)
	return true, nil
}

// DeleteDeployment removes every artifact of a deployment and its now-empty
// directory, returning the number deleted.
func (s *Store) DeleteDeployment(ctx context.Context, deploymentID string) (int, error) {
	if err := s.init(ctx); err != nil {
		return 0, err
	}

	count := 0
	for {
		batch, err := s.List(ctx, deploymentID, 1000, 0)
		if err != nil {
			return count, err
		}
		if len(batch) == 0 {
			break
		}
		for _, md := range batch {
			deleted, err := s.Delete(ctx, md.ID)
			if err != nil {
				return count, err
			}
			if deleted {
				count++
			}
		}
	}

	dir := filepath.Join(s.root, deploymentID)
	if empty, err := afero.IsEmpty(s.fs, dir); err == nil && empty {
		s.fs.Remove(dir)
	}

	log.Entry(ctx).Infof("deleted %d artifacts of %q", count, deploymentID)
	return count, nil
}

// TotalSize sums the stored bytes across all artifacts.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	if err := s.init(ctx); err != nil {
		return 0, err
	}
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT SUM(size) FROM artifacts").Scan(&total); err != nil {
		return 0, fmt.Errorf("summing artifact sizes: %w", err)
	}
	return total.Int64, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (Metadata, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	md, err := scanRow(row)
	if err == sql.ErrNoRows {
		return Metadata{}, ErrNotFound
	}
	return md, err
}

func scanRow(row scanner) (Metadata, error) {
	var md Metadata
	var createdAt string
	if err := row.Scan(&md.ID, &md.DeploymentID, &md.Filename, &md.ContentType,
		&md.Size, &md.SHA256, &createdAt, &md.Path); err != nil {
		return Metadata{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Metadata{}, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}
	md.CreatedAt = ts
	md.URL = path.Join("/api/artifacts", md.ID)
	return md, nil
}

// sanitizeFilename keeps only the base name with a conservative character
// set, so the on-disk name <id>_<sanitized> is always a single safe path
// element.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	cleaned = strings.TrimLeft(cleaned, ".")
	if cleaned == "" {
		return "unnamed"
	}
	return cleaned
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
