package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"copilot2api-go/internal/credential"
	"github.com/natefinch/atomic"
	log "github.com/sirupsen/logrus"
)

// FileStore keeps the pool as a JSON array in one file, replaced atomically
// on every write. The top-priority token is mirrored into a plain-text
// compat file for single-account tools.
type FileStore struct {
	path       string
	compatPath string

	mu        sync.Mutex
	lastWrite []byte
}

func NewFileStore(path, compatPath string) *FileStore {
	return &FileStore{path: path, compatPath: compatPath}
}

func (f *FileStore) Name() string { return BackendFile }

// Path is the accounts file location.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) List(context.Context) ([]credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *FileStore) Upsert(_ context.Context, c credential.Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, err := f.loadLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range creds {
		if creds[i].ID == c.ID {
			creds[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		creds = append(creds, c)
	}
	return f.saveLocked(creds)
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, err := f.loadLocked()
	if err != nil {
		return err
	}
	kept := creds[:0]
	found := false
	for _, c := range creds {
		if c.ID == id {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return credential.ErrNotFound
	}
	return f.saveLocked(kept)
}

func (f *FileStore) SetPriorities(_ context.Context, priorities map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, err := f.loadLocked()
	if err != nil {
		return err
	}
	seen := 0
	for i := range creds {
		if p, ok := priorities[creds[i].ID]; ok {
			creds[i].Priority = p
			seen++
		}
	}
	if seen != len(priorities) {
		return credential.ErrNotFound
	}
	return f.saveLocked(creds)
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) loadLocked() ([]credential.Credential, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return []credential.Credential{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	creds, err := decodeAccounts(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return creds, nil
}

func decodeAccounts(data []byte) ([]credential.Credential, error) {
	creds := []credential.Credential{}
	if len(bytes.TrimSpace(data)) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	credential.SortByPriority(creds)
	return creds, nil
}

func (f *FileStore) saveLocked(creds []credential.Credential) error {
	credential.SortByPriority(creds)
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create accounts directory: %w", err)
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write accounts file: %w", err)
	}
	f.lastWrite = data
	f.mirrorCompat(creds)
	return nil
}

// mirrorCompat is best effort: the accounts file is the source of truth.
func (f *FileStore) mirrorCompat(creds []credential.Credential) {
	if f.compatPath == "" {
		return
	}
	entry := log.WithField("path", f.compatPath)
	if len(creds) == 0 {
		if err := os.Remove(f.compatPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			entry.WithError(err).Warn("remove compat token file")
		}
		return
	}
	if err := os.MkdirAll(filepath.Dir(f.compatPath), 0o700); err != nil {
		entry.WithError(err).Warn("create compat token directory")
		return
	}
	if err := atomic.WriteFile(f.compatPath, bytes.NewReader([]byte(creds[0].Token+"\n"))); err != nil {
		entry.WithError(err).Warn("write compat token file")
	}
}

// changedExternally reports whether the file differs from our last write.
func (f *FileStore) changedExternally() bool {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return !errors.Is(err, os.ErrNotExist)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return !bytes.Equal(data, f.lastWrite)
}
