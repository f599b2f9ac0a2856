package models

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Server is the aggregate root: one config plus a timestamp-keyed series of
// periodic stats and a timestamp-keyed series of user tests. A Server
// exclusively owns its config and both series.
type Server struct {
	Config *ServerConfig
	Stats  map[time.Time]*PeriodicStat
	Tests  map[time.Time]*UserTest
}

// NewServer wraps cfg in an aggregate with empty series.
func NewServer(cfg *ServerConfig) *Server {
	return &Server{
		Config: cfg,
		Stats:  make(map[time.Time]*PeriodicStat),
		Tests:  make(map[time.Time]*UserTest),
	}
}

// ServerFromRow builds a transient aggregate from one snapshot row: the
// row's config plus a single stat keyed at savedAt.
func ServerFromRow(idx ColumnIndex, row []string, savedAt time.Time) *Server {
	srv := NewServer(ConfigFromRow(idx, row))
	stat := StatFromRow(idx, row, savedAt)
	srv.Stats[stat.SavedAt] = stat
	return srv
}

// LastStatAt returns the timestamp of the newest stat, if any.
func (s *Server) LastStatAt() (time.Time, bool) {
	return lastKey(s.sortedStatTimes())
}

// LastTestAt returns the timestamp of the newest test, if any.
func (s *Server) LastTestAt() (time.Time, bool) {
	return lastKey(s.sortedTestTimes())
}

func lastKey(keys []time.Time) (time.Time, bool) {
	if len(keys) == 0 {
		return time.Time{}, false
	}
	return keys[len(keys)-1], true
}

func (s *Server) sortedStatTimes() []time.Time {
	keys := make([]time.Time, 0, len(s.Stats))
	for k := range s.Stats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}

func (s *Server) sortedTestTimes() []time.Time {
	keys := make([]time.Time, 0, len(s.Tests))
	for k := range s.Tests {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}

// AddStat inserts stat into the series and reports whether it was inserted.
//
// Re-adding a value-equal stat at an existing timestamp is a no-op. A
// different stat at an existing timestamp fails with ErrConflictingStat.
// A stat value-equal to its chronological predecessor or successor fails
// with ErrRedundantStat; unchanged servers would otherwise grow their
// series on every overlapping snapshot window.
func (s *Server) AddStat(stat *PeriodicStat) (bool, error) {
	at := stat.SavedAt.UTC()
	keys := s.sortedStatTimes()
	idx := sort.Search(len(keys), func(i int) bool { return !keys[i].Before(at) })
	if idx < len(keys) && keys[idx].Equal(at) {
		if !s.Stats[keys[idx]].SameValues(stat) {
			return false, fmt.Errorf("%w: %s", ErrConflictingStat, at.Format(time.RFC3339))
		}
		return false, nil
	}
	if idx > 0 && s.Stats[keys[idx-1]].SameValues(stat) {
		return false, fmt.Errorf("%w: predecessor at %s", ErrRedundantStat,
			keys[idx-1].Format(time.RFC3339))
	}
	if idx < len(keys) && s.Stats[keys[idx]].SameValues(stat) {
		return false, fmt.Errorf("%w: successor at %s", ErrRedundantStat,
			keys[idx].Format(time.RFC3339))
	}
	stat.SavedAt = at
	s.Stats[at] = stat
	return true, nil
}

// AddTest inserts test into the series and reports whether it was inserted.
// Re-adding a value-equal test at an existing timestamp is a no-op; a
// different test at an existing timestamp fails with ErrConflictingTest.
// No redundancy suppression applies: every distinct probe is retained.
func (s *Server) AddTest(test *UserTest) (bool, error) {
	at := test.SavedAt.UTC()
	if existing, ok := s.Tests[at]; ok {
		if !existing.SameValues(test) {
			return false, fmt.Errorf("%w: %s", ErrConflictingTest, at.Format(time.RFC3339))
		}
		return false, nil
	}
	test.SavedAt = at
	s.Tests[at] = test
	return true, nil
}

// MergeFrom folds other into s and reports whether anything changed.
//
// The config is merged first, then every stat, then every test. A config
// error or a stat error rolls the whole aggregate back to its pre-merge
// state and is returned. A conflicting test is logged and skipped; tests
// are best-effort secondary data.
func (s *Server) MergeFrom(other *Server) (bool, error) {
	bkpConfig := *s.Config
	bkpStats := make(map[time.Time]*PeriodicStat, len(s.Stats))
	for k, v := range s.Stats {
		bkpStats[k] = v
	}
	bkpTests := make(map[time.Time]*UserTest, len(s.Tests))
	for k, v := range s.Tests {
		bkpTests[k] = v
	}
	restore := func() {
		*s.Config = bkpConfig
		s.Stats = bkpStats
		s.Tests = bkpTests
	}

	changed, err := s.Config.MergeFrom(other.Config)
	if err != nil {
		restore()
		return false, err
	}
	for _, at := range other.sortedStatTimes() {
		added, err := s.AddStat(other.Stats[at])
		if err != nil {
			restore()
			return false, err
		}
		if added {
			changed = true
		}
	}
	for _, at := range other.sortedTestTimes() {
		added, err := s.AddTest(other.Tests[at])
		if err != nil {
			slog.Warn("Skipping conflicting user test",
				"server", s.Config.Name, "savedAt", at, "error", err)
			continue
		}
		if added {
			changed = true
		}
	}
	return changed, nil
}
