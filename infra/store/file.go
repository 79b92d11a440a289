// Package store provides file-backed persistence for the ledger snapshot
// and the learned coefficient table. Writes are atomic (temp file plus
// rename); malformed content loads as empty defaults, never as an error.
package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/evjund/capguard/core/ledger"
	"github.com/evjund/capguard/core/logger"
)

// LedgerFile persists ledger snapshots as JSON.
type LedgerFile struct {
	path string
	log  logger.Logger
	mu   sync.Mutex
}

// NewLedgerFile creates a ledger store at the given path.
func NewLedgerFile(path string, log logger.Logger) *LedgerFile {
	return &LedgerFile{path: path, log: log}
}

// Save writes the snapshot atomically.
func (s *LedgerFile) Save(st ledger.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, st)
}

// Load reads the snapshot. A missing or malformed file yields an empty
// state and no error.
func (s *LedgerFile) Load() (ledger.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st ledger.State
	if err := readJSON(s.path, &st); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warnf("ledger snapshot unreadable, starting empty: %v", err)
		}
		return ledger.NewState(), nil
	}
	return st.Normalize(), nil
}

// CoefficientFile persists the coefficient table as JSON.
type CoefficientFile struct {
	path string
	log  logger.Logger
	mu   sync.Mutex
}

// NewCoefficientFile creates a coefficient store at the given path.
func NewCoefficientFile(path string, log logger.Logger) *CoefficientFile {
	return &CoefficientFile{path: path, log: log}
}

// Save writes the table atomically.
func (s *CoefficientFile) Save(coeffs map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, coeffs)
}

// Load reads the table. A missing or malformed file yields an empty table
// and no error; individual entry validation belongs to the learner.
func (s *CoefficientFile) Load() (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coeffs := map[string]float64{}
	if err := readJSON(s.path, &coeffs); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warnf("coefficient table unreadable, starting empty: %v", err)
		}
		return map[string]float64{}, nil
	}
	return coeffs, nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
