package store

import (
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tricortex/tricortex/core"
)

// fakeClock is a settable clock for month-boundary control.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T, clock *fakeClock, retentionDays int) *DataStore {
	t.Helper()
	opts := Options{
		Config: core.StoreConfig{DataDir: t.TempDir(), RetentionDays: retentionDays},
	}
	if clock != nil {
		opts.Clock = clock.Now
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func sampleAt(vol float64) core.LearningSample {
	return core.LearningSample{
		Timestamp: time.Now().UTC(),
		Context:   core.MarketContext{Volatility: vol, AUM: 1000000},
		PerfA:     core.PerformanceMetrics{SharpeRatio: 1.5, WinRate: 0.6},
		PerfB:     core.PerformanceMetrics{SharpeRatio: 1.1, WinRate: 0.5},
		Winner:    core.WinnerStrategyA,
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Config: core.StoreConfig{RetentionDays: 30}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrMissingConfiguration))

	_, err = New(Options{Config: core.StoreConfig{DataDir: t.TempDir(), RetentionDays: 0}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidConfiguration))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, nil, 365)

	saved := sampleAt(0.25)
	require.True(t, s.SaveDataPoint(saved))
	require.True(t, s.SaveDataPoint(sampleAt(0.30)))

	loaded, err := s.LoadHistoricalData("", "", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, saved.Context.Volatility, loaded[0].Context.Volatility)
	assert.Equal(t, saved.Winner, loaded[0].Winner)
	assert.Equal(t, saved.PerfA.SharpeRatio, loaded[0].PerfA.SharpeRatio)

	stats := s.GetStats()
	assert.Equal(t, int64(2), stats.TotalSaved)
	assert.Equal(t, int64(2), stats.TotalLoaded)
}

func TestMonthRolloverArchivesPreviousFile(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(t, clock, 365)

	require.True(t, s.SaveDataPoint(sampleAt(0.10)))
	require.True(t, s.SaveDataPoint(sampleAt(0.11)))

	clock.now = time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC)
	require.True(t, s.SaveDataPoint(sampleAt(0.20)))

	julyPlain := filepath.Join(s.dir, "risk_control_learning_2026-07.jsonl")
	julyGz := julyPlain + ".gz"
	_, err := os.Stat(julyPlain)
	assert.True(t, os.IsNotExist(err), "the rolled-over month keeps only the archive")
	_, err = os.Stat(julyGz)
	assert.NoError(t, err)

	august, err := s.LoadHistoricalData("2026-08", "2026-08", 0)
	require.NoError(t, err)
	require.Len(t, august, 1)
	assert.Equal(t, 0.20, august[0].Context.Volatility)

	// Archived months still load transparently.
	july, err := s.LoadHistoricalData("2026-07", "2026-07", 0)
	require.NoError(t, err)
	assert.Len(t, july, 2)

	assert.Equal(t, int64(1), s.GetStats().TotalArchived)
}

func TestLoadHistoricalDataRangeAndLimit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, clock, 365)

	for month := 5; month <= 7; month++ {
		clock.now = time.Date(2026, time.Month(month), 10, 0, 0, 0, 0, time.UTC)
		require.True(t, s.SaveDataPoint(sampleAt(float64(month))))
		require.True(t, s.SaveDataPoint(sampleAt(float64(month)+0.5)))
	}

	ranged, err := s.LoadHistoricalData("2026-06", "2026-06", 0)
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, 6.0, ranged[0].Context.Volatility)

	all, err := s.LoadHistoricalData("", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)
	assert.Equal(t, 5.0, all[0].Context.Volatility, "months load in ascending order")

	limited, err := s.LoadHistoricalData("", "", 3)
	require.NoError(t, err)
	assert.Len(t, limited, 3)
}

func TestLoadSkipsCorruptLines(t *testing.T) {
	s := newTestStore(t, nil, 365)
	require.True(t, s.SaveDataPoint(sampleAt(0.10)))

	path := s.monthFile(s.GetStats().CurrentMonth)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.True(t, s.SaveDataPoint(sampleAt(0.20)))

	loaded, err := s.LoadHistoricalData("", "", 0)
	require.NoError(t, err)
	assert.Len(t, loaded, 2, "the corrupt line is skipped, not fatal")
}

func TestArchiveFileMissingInput(t *testing.T) {
	s := newTestStore(t, nil, 365)

	archived, err := s.ArchiveFile(filepath.Join(s.dir, "risk_control_learning_1999-01.jsonl"))
	require.NoError(t, err)
	assert.False(t, archived)
}

func TestArchiveFileCompresses(t *testing.T) {
	s := newTestStore(t, nil, 365)
	require.True(t, s.SaveDataPoint(sampleAt(0.10)))

	path := s.monthFile(s.GetStats().CurrentMonth)
	archived, err := s.ArchiveFile(path)
	require.NoError(t, err)
	assert.True(t, archived)

	f, err := os.Open(path + ".gz")
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()
}

func TestCleanupOldData(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, clock, 365)

	require.True(t, s.SaveDataPoint(sampleAt(0.10)))

	clock.now = time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	require.True(t, s.SaveDataPoint(sampleAt(0.20)))

	deleted, err := s.CleanupOldData()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted, "the archived 2025-01 file is past retention")

	remaining, err := s.LoadHistoricalData("", "", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, 0.20, remaining[0].Context.Volatility)

	deleted, err = s.CleanupOldData()
	require.NoError(t, err)
	assert.Equal(t, 0, deleted, "cleanup is idempotent")
}

func TestForeignFilesIgnored(t *testing.T) {
	s := newTestStore(t, nil, 365)
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("keep"), 0o644))
	require.True(t, s.SaveDataPoint(sampleAt(0.10)))

	deleted, err := s.CleanupOldData()
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	loaded, err := s.LoadHistoricalData("", "", 0)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	_, err = os.Stat(filepath.Join(s.dir, "notes.txt"))
	assert.NoError(t, err, "non-store files are never touched")
}
