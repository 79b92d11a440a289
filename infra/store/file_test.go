package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evjund/capguard/core/ledger"
	"github.com/evjund/capguard/infra/logger"
)

func TestLedgerFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	s := NewLedgerFile(path, logger.NopLogger{})

	st := ledger.NewState()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	st.Buckets[ledger.BucketKey(now)] = 1.25
	st.DailyTotals[ledger.DateKey(now)] = 9.5
	st.HourlyAverages[ledger.AverageKey(now)] = ledger.Accumulator{Sum: 4, Count: 2}
	st.LastPowerW = 3000
	st.LastTimestamp = now.UnixMilli()

	require.NoError(t, s.Save(st))
	loaded, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, st.Buckets, loaded.Buckets)
	require.Equal(t, st.DailyTotals, loaded.DailyTotals)
	require.Equal(t, st.HourlyAverages, loaded.HourlyAverages)
	require.Equal(t, st.LastPowerW, loaded.LastPowerW)
	require.Equal(t, st.LastTimestamp, loaded.LastTimestamp)
}

func TestLedgerFileMissingLoadsEmpty(t *testing.T) {
	s := NewLedgerFile(filepath.Join(t.TempDir(), "absent.json"), logger.NopLogger{})
	st, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, st.Buckets)
	require.NotNil(t, st.DailyTotals)
}

func TestLedgerFileMalformedLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s := NewLedgerFile(path, logger.NopLogger{})
	st, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, st.Buckets)
}

func TestCoefficientFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coeffs.json")
	s := NewCoefficientFile(path, logger.NopLogger{})
	require.NoError(t, s.Save(map[string]float64{"h1": 0.021}))
	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"h1": 0.021}, got)
}

func TestCoefficientFileMalformedLoadsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coeffs.json")
	require.NoError(t, os.WriteFile(path, []byte(`["wrong","shape"]`), 0o644))
	s := NewCoefficientFile(path, logger.NopLogger{})
	got, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, got)
}
