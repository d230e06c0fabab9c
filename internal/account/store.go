// Package account owns the durable account and registration-history stores.
//
// Both stores are JSON arrays rewritten wholesale on every mutation. The
// process is the sole writer, so a failed save leaves memory ahead of disk
// until the next successful one; mutations are never rolled back.
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/idforge/idforge/internal/model"
)

const (
	accountsFile = "accounts.json"
	historyFile  = "history.json"
)

// Store keeps accounts and registration history in memory, mirrored to two
// JSON files under dataDir. All methods are safe for concurrent use.
type Store struct {
	mx       sync.Mutex
	accounts []model.Account
	history  []model.RegistrationRecord
	dataDir  string
}

// Open loads both stores from dataDir. Missing files mean empty stores;
// unreadable content is an error so a corrupted store is never silently
// overwritten.
func Open(dataDir string) (*Store, error) {
	s := &Store{dataDir: dataDir}

	if err := loadJSON(s.accountsPath(), &s.accounts); err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	if err := loadJSON(s.historyPath(), &s.history); err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return s, nil
}

func (s *Store) accountsPath() string { return filepath.Join(s.dataDir, accountsFile) }
func (s *Store) historyPath() string  { return filepath.Join(s.dataDir, historyFile) }

// Reload re-reads the accounts file, replacing the in-memory list.
// Returns the number of accounts loaded.
func (s *Store) Reload() (int, error) {
	var accounts []model.Account
	if err := loadJSON(s.accountsPath(), &accounts); err != nil {
		return 0, fmt.Errorf("reloading accounts: %w", err)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	s.accounts = accounts
	return len(accounts), nil
}

// Accounts returns a copy of the stored accounts, most recent first.
func (s *Store) Accounts() []model.Account {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.Account(nil), s.accounts...)
}

// History returns a copy of the registration records, most recent first.
func (s *Store) History() []model.RegistrationRecord {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.RegistrationRecord(nil), s.history...)
}

// AppendRecord prepends rec to the history and persists it immediately.
// The record stays in memory even when persisting fails.
func (s *Store) AppendRecord(rec model.RegistrationRecord) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.history = append([]model.RegistrationRecord{rec}, s.history...)
	return saveJSON(s.historyPath(), s.history)
}

// ClearHistory drops all records and persists the empty list.
func (s *Store) ClearHistory() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.history = nil
	return saveJSON(s.historyPath(), []model.RegistrationRecord{})
}

// ExportHistory writes the current history to path.
func (s *Store) ExportHistory(path string) error {
	s.mx.Lock()
	records := append([]model.RegistrationRecord(nil), s.history...)
	s.mx.Unlock()

	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		return fmt.Errorf("exporting history: %w", err)
	}
	return nil
}

func loadJSON[T any](path string, out *[]T) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func saveJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}
	return nil
}
