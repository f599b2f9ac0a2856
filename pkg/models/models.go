// Package models holds the relay directory domain model: a server's
// configuration plus its two timestamp-keyed series of observations, with
// the merge rules used during snapshot reconciliation.
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"
)

var (
	// ErrNameMismatch reports a merge between configs of different servers.
	ErrNameMismatch = errors.New("config names do not match")
	// ErrConflictingID reports two different persisted ids for one server.
	ErrConflictingID = errors.New("conflicting config ids")
	// ErrConflictingStat reports two different stats at the same instant.
	ErrConflictingStat = errors.New("different stat at same timestamp")
	// ErrRedundantStat reports a stat value-equal to a chronological neighbor.
	ErrRedundantStat = errors.New("stat identical to chronological neighbor")
	// ErrConflictingTest reports two different tests at the same instant.
	ErrConflictingTest = errors.New("different test at same timestamp")
	// ErrColumnMissing reports a feed header without a required column.
	ErrColumnMissing = errors.New("required column not found")
)

// Column names of the relay directory feed.
const (
	ColHostName     = "HostName"
	ColCountryShort = "CountryShort"
	ColCountryLong  = "CountryLong"
	ColIP           = "IP"
	ColLogType      = "LogType"
	ColOperator     = "Operator"
	ColMessage      = "Message"
	ColConfigBase64 = "OpenVPN_ConfigData_Base64"
	ColScore        = "Score"
	ColPing         = "Ping"
	ColSpeed        = "Speed"
	ColNumSessions  = "NumVpnSessions"
	ColUptime       = "Uptime"
	ColTotalUsers   = "TotalUsers"
	ColTotalTraffic = "TotalTraffic"
)

// RequiredColumns returns every column a snapshot row must provide: the
// config columns plus the periodic-stat columns.
func RequiredColumns() []string {
	return []string{
		ColHostName, ColCountryShort, ColCountryLong, ColIP, ColLogType,
		ColOperator, ColMessage, ColConfigBase64,
		ColScore, ColPing, ColSpeed, ColNumSessions, ColUptime,
		ColTotalUsers, ColTotalTraffic,
	}
}

// ColumnIndex maps feed column names to their position in a header.
type ColumnIndex map[string]int

// IndexColumns builds a ColumnIndex for header, failing with
// ErrColumnMissing if any required column is absent.
func IndexColumns(header []string) (ColumnIndex, error) {
	idx := make(ColumnIndex, len(header))
	for i, name := range header {
		if _, ok := idx[name]; !ok {
			idx[name] = i
		}
	}
	for _, name := range RequiredColumns() {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrColumnMissing, name)
		}
	}
	return idx, nil
}

func (idx ColumnIndex) cell(row []string, col string) string {
	i, ok := idx[col]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

// coerceInt converts a feed cell to an integer. The feed is known to emit
// blanks and junk in numeric columns; those become zero.
func coerceInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// ServerConfig is the identity and static attributes of one relay server.
// Name is the natural key; ID is the surrogate key assigned on first
// persist (zero until then). IP is the zero Addr when the feed value did
// not parse.
type ServerConfig struct {
	ID              int64
	Name            string
	IP              netip.Addr
	CountryCode     string
	CountryName     string
	LogType         string
	OperatorName    string
	OperatorMessage string
	ConfigBlob      string
}

// ConfigFromRow builds a ServerConfig from one snapshot row.
func ConfigFromRow(idx ColumnIndex, row []string) *ServerConfig {
	ip, err := netip.ParseAddr(idx.cell(row, ColIP))
	if err != nil {
		ip = netip.Addr{}
	}
	return &ServerConfig{
		Name:            idx.cell(row, ColHostName),
		IP:              ip,
		CountryCode:     idx.cell(row, ColCountryShort),
		CountryName:     idx.cell(row, ColCountryLong),
		LogType:         idx.cell(row, ColLogType),
		OperatorName:    idx.cell(row, ColOperator),
		OperatorMessage: idx.cell(row, ColMessage),
		ConfigBlob:      idx.cell(row, ColConfigBase64),
	}
}

// MergeFrom folds other into c and reports whether anything changed.
//
// Names must match. A set ID on other is adopted when c has none; two
// different set IDs are a conflict. Every other attribute is overwritten
// when it differs.
func (c *ServerConfig) MergeFrom(other *ServerConfig) (bool, error) {
	if c.Name != other.Name {
		return false, fmt.Errorf("%w: have %q, got %q", ErrNameMismatch, c.Name, other.Name)
	}
	changed := false
	if other.ID != 0 {
		switch {
		case c.ID == 0:
			c.ID = other.ID
			changed = true
		case c.ID != other.ID:
			return false, fmt.Errorf("%w: %d and %d", ErrConflictingID, c.ID, other.ID)
		}
	}
	if c.IP != other.IP {
		c.IP = other.IP
		changed = true
	}
	if c.CountryCode != other.CountryCode {
		c.CountryCode = other.CountryCode
		changed = true
	}
	if c.CountryName != other.CountryName {
		c.CountryName = other.CountryName
		changed = true
	}
	if c.LogType != other.LogType {
		c.LogType = other.LogType
		changed = true
	}
	if c.OperatorName != other.OperatorName {
		c.OperatorName = other.OperatorName
		changed = true
	}
	if c.OperatorMessage != other.OperatorMessage {
		c.OperatorMessage = other.OperatorMessage
		changed = true
	}
	if c.ConfigBlob != other.ConfigBlob {
		c.ConfigBlob = other.ConfigBlob
		changed = true
	}
	return changed, nil
}

// PeriodicStat is one self-reported performance sample. SavedAt is the key
// within a server's stat series.
type PeriodicStat struct {
	ID                int64
	Score             int64
	PingMs            int64
	SpeedBps          int64
	NumSessions       int64
	UptimeMs          int64
	TotalUsers        int64
	TotalTrafficBytes int64
	SavedAt           time.Time
}

// StatFromRow builds a PeriodicStat from one snapshot row, keyed at savedAt.
func StatFromRow(idx ColumnIndex, row []string, savedAt time.Time) *PeriodicStat {
	return &PeriodicStat{
		Score:             coerceInt(idx.cell(row, ColScore)),
		PingMs:            coerceInt(idx.cell(row, ColPing)),
		SpeedBps:          coerceInt(idx.cell(row, ColSpeed)),
		NumSessions:       coerceInt(idx.cell(row, ColNumSessions)),
		UptimeMs:          coerceInt(idx.cell(row, ColUptime)),
		TotalUsers:        coerceInt(idx.cell(row, ColTotalUsers)),
		TotalTrafficBytes: coerceInt(idx.cell(row, ColTotalTraffic)),
		SavedAt:           savedAt.UTC(),
	}
}

// SameValues reports value equality on the numeric fields, ignoring the
// timestamp and the surrogate id.
func (s *PeriodicStat) SameValues(other *PeriodicStat) bool {
	return s.Score == other.Score &&
		s.PingMs == other.PingMs &&
		s.SpeedBps == other.SpeedBps &&
		s.NumSessions == other.NumSessions &&
		s.UptimeMs == other.UptimeMs &&
		s.TotalUsers == other.TotalUsers &&
		s.TotalTrafficBytes == other.TotalTrafficBytes
}

// UserTest is one user-run connectivity probe. SavedAt is the key within a
// server's test series.
type UserTest struct {
	ID       int64
	PingMs   int64
	SpeedBps int64
	SavedAt  time.Time
}

// SameValues reports value equality, ignoring the timestamp and the
// surrogate id.
func (t *UserTest) SameValues(other *UserTest) bool {
	return t.PingMs == other.PingMs && t.SpeedBps == other.SpeedBps
}
