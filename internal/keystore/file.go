package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/keys"
	"github.com/systmms/keyops/pkg/keystore"
)

// materialWrapper adds a provider-held encryption layer around already-sealed
// material. The KMS-backed stores use it; the plain file store leaves it nil.
type materialWrapper interface {
	wrap(ctx context.Context, sealed []byte) ([]byte, error)
	unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// FileStore keeps one JSON record per key under a local directory. Material
// is sealed under the master key before writing; with a wrapper installed it
// is additionally wrapped by a cloud KMS.
//
// Writes are serialized by an in-process mutex, and Put uses O_EXCL so two
// processes sharing a directory cannot both create the same record.
type FileStore struct {
	name    string
	dir     string
	sealer  *sealer
	wrapper materialWrapper
	logger  *logging.Logger
	mu      sync.RWMutex
}

// FileConfig configures the plain file backend.
type FileConfig struct {
	// Dir is the record directory. Created 0700 if missing.
	Dir string `yaml:"dir"`
}

// NewFileStore creates the plain file backend.
func NewFileStore(dir string, master *secure.SecureBuffer, logger *logging.Logger) (*FileStore, error) {
	return newFileStore(keystore.BackendFile, dir, master, nil, logger)
}

func newFileStore(name, dir string, master *secure.SecureBuffer, wrapper materialWrapper, logger *logging.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("key record directory is required")
	}
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, dir[2:])
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key record directory: %w", err)
	}
	return &FileStore{
		name:    name,
		dir:     dir,
		sealer:  newSealer(master),
		wrapper: wrapper,
		logger:  logger,
	}, nil
}

// Name returns the backend identifier.
func (f *FileStore) Name() string {
	return f.name
}

// Put stores a new record, refusing to overwrite an existing one.
func (f *FileStore) Put(ctx context.Context, rec keystore.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	sealed, err := f.encodeMaterial(ctx, rec.ID, rec.Material)
	if err != nil {
		return err
	}
	data, err := encodeRecord(rec, sealed)
	if err != nil {
		return err
	}

	path := f.recordPath(rec.ID)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return keystore.ConflictError{Backend: f.name, ID: rec.ID, Reason: "record already exists"}
		}
		return fmt.Errorf("failed to create key record file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write key record: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close key record file: %w", err)
	}

	f.logger.Debug("Stored key record %s (%s v%d, %s)", rec.ID, rec.Type, rec.Version, rec.Status)
	return nil
}

// Get reads and unseals one record.
func (f *FileStore) Get(ctx context.Context, id string) (keystore.Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.read(ctx, id)
}

// List reads every record matching the filter.
func (f *FileStore) List(ctx context.Context, filter keystore.Filter) ([]keystore.Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key record directory: %w", err)
	}

	var records []keystore.Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			f.logger.Debug("Skipping unreadable key record file %s: %v", entry.Name(), err)
			continue
		}
		stored, err := decodeRecord(data)
		if err != nil {
			f.logger.Warn("Skipping corrupt key record file %s: %v", entry.Name(), err)
			continue
		}
		rec := stored.record(nil)
		if !filter.Match(rec) {
			continue
		}
		material, err := f.decodeMaterial(ctx, stored.ID, stored.SealedMaterial)
		if err != nil {
			return nil, err
		}
		rec.Material = material
		records = append(records, rec)
	}
	return records, nil
}

// Update replaces a record while its stored status still equals expect.
func (f *FileStore) Update(ctx context.Context, rec keystore.Record, expect keys.Status) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.recordPath(rec.ID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return keystore.NotFoundError{Backend: f.name, ID: rec.ID}
		}
		return fmt.Errorf("failed to read key record: %w", err)
	}
	current, err := decodeRecord(data)
	if err != nil {
		return err
	}
	if current.Status != expect {
		return keystore.ConflictError{
			Backend: f.name,
			ID:      rec.ID,
			Reason:  fmt.Sprintf("status is %s, expected %s", current.Status, expect),
		}
	}

	sealed, err := f.encodeMaterial(ctx, rec.ID, rec.Material)
	if err != nil {
		return err
	}
	updated, err := encodeRecord(rec, sealed)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, updated, 0600); err != nil {
		return fmt.Errorf("failed to write key record: %w", err)
	}

	f.logger.Debug("Updated key record %s (%s -> %s)", rec.ID, expect, rec.Status)
	return nil
}

func (f *FileStore) recordPath(id string) string {
	return filepath.Join(f.dir, sanitizeFileName(id)+".json")
}

func (f *FileStore) read(ctx context.Context, id string) (keystore.Record, error) {
	data, err := os.ReadFile(f.recordPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return keystore.Record{}, keystore.NotFoundError{Backend: f.name, ID: id}
		}
		return keystore.Record{}, fmt.Errorf("failed to read key record: %w", err)
	}
	stored, err := decodeRecord(data)
	if err != nil {
		return keystore.Record{}, err
	}
	material, err := f.decodeMaterial(ctx, stored.ID, stored.SealedMaterial)
	if err != nil {
		return keystore.Record{}, err
	}
	return stored.record(material), nil
}

// encodeMaterial seals material and, when a wrapper is installed, wraps the
// sealed blob a second time.
func (f *FileStore) encodeMaterial(ctx context.Context, id string, material []byte) (string, error) {
	sealed, err := f.sealer.seal(id, material)
	if err != nil {
		return "", err
	}
	if f.wrapper == nil {
		return sealed, nil
	}
	wrapped, err := f.wrapper.wrap(ctx, []byte(sealed))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

func (f *FileStore) decodeMaterial(ctx context.Context, id, stored string) ([]byte, error) {
	sealed := stored
	if f.wrapper != nil {
		wrapped, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return nil, fmt.Errorf("wrapped material for %s is corrupt: %w", id, err)
		}
		unwrapped, err := f.wrapper.unwrap(ctx, wrapped)
		if err != nil {
			return nil, err
		}
		sealed = string(unwrapped)
	}
	return f.sealer.unseal(id, sealed)
}

func sanitizeFileName(name string) string {
	// Replace problematic characters for file names
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
	)
	return replacer.Replace(name)
}
