// Package store persists learning samples as monthly JSONL files with
// gzip archival and retention-based cleanup.
//
// Layout: one active file per calendar month named
// risk_control_learning_YYYY-MM.jsonl; rolled-over months live on as
// .jsonl.gz until the retention window passes them by.
package store

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tricortex/tricortex/core"
)

const (
	filePrefix = "risk_control_learning_"
	fileSuffix = ".jsonl"
	gzipSuffix = ".jsonl.gz"
)

var monthFilePattern = regexp.MustCompile(`^risk_control_learning_(\d{4}-\d{2})\.jsonl(\.gz)?$`)

// Options configures the data store.
type Options struct {
	Config    core.StoreConfig
	Logger    core.Logger
	Telemetry core.Telemetry

	// Clock overrides time.Now for month-boundary control in tests.
	Clock func() time.Time
}

// DataStore owns one data directory. All writes are serialized under
// the store's mutex; there is a single writer per directory.
type DataStore struct {
	dir           string
	retentionDays int
	logger        core.Logger
	telemetry     core.Telemetry
	clock         func() time.Time

	mu            sync.Mutex
	currentMonth  string
	totalSaved    int64
	totalLoaded   int64
	totalArchived int64
	saveFailures  int64
}

// New validates the configuration and ensures the directory exists.
func New(opts Options) (*DataStore, error) {
	cfg := opts.Config
	if cfg.DataDir == "" {
		return nil, core.NewFabricError("store.New", "store", core.ErrMissingConfiguration)
	}
	if cfg.RetentionDays <= 0 {
		return nil, core.NewFabricError("store.New", "retention_days", core.ErrInvalidConfiguration)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, core.NewFabricError("store.New", cfg.DataDir, fmt.Errorf("%w: %v", core.ErrPersistence, err))
	}

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &DataStore{
		dir:           cfg.DataDir,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		telemetry:     telemetry,
		clock:         clock,
	}, nil
}

func monthOf(t time.Time) string { return t.Format("2006-01") }

func (s *DataStore) monthFile(month string) string {
	return filepath.Join(s.dir, filePrefix+month+fileSuffix)
}

// SaveDataPoint appends one sample to the current month's file,
// archiving the previous month on rollover. I/O errors are logged and
// reported as false, never raised.
func (s *DataStore) SaveDataPoint(sample core.LearningSample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	month := monthOf(s.clock())
	if s.currentMonth != "" && s.currentMonth != month {
		if _, err := s.archiveLocked(s.monthFile(s.currentMonth)); err != nil {
			s.logger.Error("Month rollover archive failed", map[string]interface{}{
				"month": s.currentMonth,
				"error": err.Error(),
			})
		}
	}
	s.currentMonth = month

	line, err := json.Marshal(sample)
	if err != nil {
		s.saveFailures++
		s.logger.Error("Sample serialization failed", map[string]interface{}{"error": err.Error()})
		return false
	}

	f, err := os.OpenFile(s.monthFile(month), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.saveFailures++
		s.logger.Error("Sample append failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		s.saveFailures++
		s.logger.Error("Sample write failed", map[string]interface{}{"error": err.Error()})
		return false
	}

	s.totalSaved++
	s.telemetry.RecordMetric("store.sample_saved", 1, nil)
	return true
}

// LoadHistoricalData reads samples from files within the inclusive
// YYYY-MM range, ascending by month. Corrupt lines are skipped. A
// maxSamples of 0 means unbounded.
func (s *DataStore) LoadHistoricalData(start, end string, maxSamples int) ([]core.LearningSample, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, core.NewFabricError("store.LoadHistoricalData", s.dir, fmt.Errorf("%w: %v", core.ErrPersistence, err))
	}

	type monthFile struct {
		month string
		path  string
	}
	var files []monthFile
	for _, entry := range entries {
		m := monthFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		month := m[1]
		if start != "" && month < start {
			continue
		}
		if end != "" && month > end {
			continue
		}
		files = append(files, monthFile{month: month, path: filepath.Join(s.dir, entry.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].month < files[j].month })

	var samples []core.LearningSample
	for _, mf := range files {
		if maxSamples > 0 && len(samples) >= maxSamples {
			break
		}
		loaded, err := s.readFile(mf.path, maxSamples, len(samples))
		if err != nil {
			s.logger.Warn("Data file unreadable, skipping", map[string]interface{}{
				"file":  mf.path,
				"error": err.Error(),
			})
			continue
		}
		samples = append(samples, loaded...)
	}

	s.mu.Lock()
	s.totalLoaded += int64(len(samples))
	s.mu.Unlock()
	return samples, nil
}

// readFile streams one plain or gzipped JSONL file.
func (s *DataStore) readFile(path string, maxSamples, alreadyLoaded int) ([]core.LearningSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}

	var samples []core.LearningSample
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if maxSamples > 0 && alreadyLoaded+len(samples) >= maxSamples {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var sample core.LearningSample
		if err := json.Unmarshal([]byte(line), &sample); err != nil {
			s.logger.Warn("Corrupt record skipped", map[string]interface{}{
				"file":  path,
				"error": err.Error(),
			})
			continue
		}
		samples = append(samples, sample)
	}
	return samples, scanner.Err()
}

// ArchiveFile compresses a JSONL file to .jsonl.gz and deletes the
// original. A missing input returns false without error.
func (s *DataStore) ArchiveFile(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archiveLocked(path)
}

func (s *DataStore) archiveLocked(path string) (bool, error) {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, core.NewFabricError("store.ArchiveFile", path, fmt.Errorf("%w: %v", core.ErrPersistence, err))
	}
	defer src.Close()

	gzPath := strings.TrimSuffix(path, fileSuffix) + gzipSuffix
	dst, err := os.Create(gzPath)
	if err != nil {
		return false, core.NewFabricError("store.ArchiveFile", gzPath, fmt.Errorf("%w: %v", core.ErrPersistence, err))
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(gzPath)
		return false, core.NewFabricError("store.ArchiveFile", path, fmt.Errorf("%w: %v", core.ErrPersistence, err))
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(gzPath)
		return false, core.NewFabricError("store.ArchiveFile", path, fmt.Errorf("%w: %v", core.ErrPersistence, err))
	}
	if err := dst.Close(); err != nil {
		os.Remove(gzPath)
		return false, core.NewFabricError("store.ArchiveFile", path, fmt.Errorf("%w: %v", core.ErrPersistence, err))
	}

	if err := os.Remove(path); err != nil {
		return false, core.NewFabricError("store.ArchiveFile", path, fmt.Errorf("%w: %v", core.ErrPersistence, err))
	}

	s.totalArchived++
	s.telemetry.RecordMetric("store.file_archived", 1, nil)
	s.logger.Info("Data file archived", map[string]interface{}{"file": path})
	return true, nil
}

// CleanupOldData deletes data files whose month is older than
// now minus the retention window. Returns the number of files deleted.
func (s *DataStore) CleanupOldData() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, core.NewFabricError("store.CleanupOldData", s.dir, fmt.Errorf("%w: %v", core.ErrPersistence, err))
	}

	cutoff := monthOf(s.clock().AddDate(0, 0, -s.retentionDays))
	deleted := 0
	for _, entry := range entries {
		m := monthFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if m[1] >= cutoff {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Cleanup delete failed", map[string]interface{}{
				"file":  path,
				"error": err.Error(),
			})
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info("Old data files removed", map[string]interface{}{"count": deleted})
	}
	return deleted, nil
}

// Stats is the store's accounting snapshot.
type Stats struct {
	TotalSaved    int64  `json:"total_saved"`
	TotalLoaded   int64  `json:"total_loaded"`
	TotalArchived int64  `json:"total_archived"`
	SaveFailures  int64  `json:"save_failures"`
	CurrentMonth  string `json:"current_month"`
	DataDir       string `json:"data_dir"`
}

// GetStats returns the store's accounting snapshot.
func (s *DataStore) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalSaved:    s.totalSaved,
		TotalLoaded:   s.totalLoaded,
		TotalArchived: s.totalArchived,
		SaveFailures:  s.saveFailures,
		CurrentMonth:  s.currentMonth,
		DataDir:       s.dir,
	}
}
