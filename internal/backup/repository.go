package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrBackupNotFound = errors.New("backup not found")

// Repository persists snapshots under <baseDir>/backups. All writes flow
// through one internal queue so two saves can never interleave their .tmp
// files; reads are lock-free because rename is atomic.
type Repository struct {
	dir string

	mu      sync.Mutex
	writing bool
	queue   []func()
}

// NewRepository prepares the backups directory.
func NewRepository(baseDir string) (*Repository, error) {
	dir := filepath.Join(baseDir, "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Repository{dir: dir}, nil
}

// Save writes the snapshot atomically and returns its path. The call blocks
// until this snapshot's own write completes, but writes themselves run
// strictly one at a time.
func (r *Repository) Save(s *Snapshot) (string, error) {
	name := fmt.Sprintf("backup_%s_%s.json",
		s.Metadata.TenantID, s.Metadata.CreatedAt.UTC().Format("20060102-150405"))
	path := filepath.Join(r.dir, name)

	done := make(chan error, 1)
	r.enqueue(func() { done <- writeAtomic(path, s) })
	if err := <-done; err != nil {
		return "", err
	}
	return path, nil
}

// enqueue runs job after every previously queued write has finished.
func (r *Repository) enqueue(job func()) {
	r.mu.Lock()
	r.queue = append(r.queue, job)
	if r.writing {
		r.mu.Unlock()
		return
	}
	r.writing = true
	r.mu.Unlock()

	go func() {
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.writing = false
				r.mu.Unlock()
				return
			}
			next := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			next()
		}
	}()
}

func writeAtomic(path string, s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load resolves a snapshot by file path or by backup id.
func (r *Repository) Load(idOrPath string) (*Snapshot, error) {
	if strings.HasSuffix(idOrPath, ".json") {
		if _, err := os.Stat(idOrPath); err == nil {
			return r.loadFile(idOrPath)
		}
		candidate := filepath.Join(r.dir, filepath.Base(idOrPath))
		if _, err := os.Stat(candidate); err == nil {
			return r.loadFile(candidate)
		}
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, idOrPath)
	}
	return r.loadByID(idOrPath)
}

func (r *Repository) loadByID(id string) (*Snapshot, error) {
	files, err := r.files()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		s, err := r.loadFile(f)
		if err != nil {
			log.Warn().Err(err).Str("file", f).Msg("skipping unreadable backup file")
			continue
		}
		if s.Metadata.BackupID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
}

func (r *Repository) loadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, path)
		}
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatInvalid, err)
	}
	if err := validateShape(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// List returns metadata for every readable snapshot, newest first,
// optionally filtered by tenant.
func (r *Repository) List(tenantID string) ([]Metadata, error) {
	files, err := r.files()
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(files))
	for _, f := range files {
		s, err := r.loadFile(f)
		if err != nil {
			continue
		}
		if tenantID != "" && s.Metadata.TenantID != tenantID {
			continue
		}
		out = append(out, s.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// LatestFor returns the newest snapshot metadata for a tenant.
func (r *Repository) LatestFor(tenantID string) (*Metadata, error) {
	list, err := r.List(tenantID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no backups for tenant %s", ErrBackupNotFound, tenantID)
	}
	return &list[0], nil
}

// CleanupOrphans deletes leftover .tmp files; an orphan means a writer died
// between write and rename, so the file content is unreliable by definition.
func (r *Repository) CleanupOrphans() int {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.json.tmp"))
	if err != nil {
		return 0
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			removed++
			log.Info().Str("file", m).Msg("removed orphan backup tmp file")
		}
	}
	return removed
}

func (r *Repository) files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "backup_*.json"))
	if err != nil {
		return nil, err
	}
	// Newest first by the timestamp embedded in the name.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}
