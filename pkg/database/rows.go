package database

import (
	"net/netip"
	"time"

	"github.com/uptrace/bun"

	"github.com/megacodist/vpn-harvester/pkg/models"
)

// Row types enumerate the persisted fields of each record explicitly; the
// domain model in pkg/models stays free of storage tags.

type configRow struct {
	bun.BaseModel `bun:"table:vpn_configs,alias:c"`

	ID              int64  `bun:"config_id,pk,autoincrement"`
	Name            string `bun:"name,unique,notnull"`
	IP              string `bun:"ip"`
	CountryCode     string `bun:"country_code,notnull"`
	CountryName     string `bun:"country_name,notnull"`
	LogType         string `bun:"log_type"`
	OperatorName    string `bun:"operator_name"`
	OperatorMessage string `bun:"operator_message"`
	ConfigBlob      string `bun:"ovpn_config_base64"`
}

type statRow struct {
	bun.BaseModel `bun:"table:periodic_stats,alias:ps"`

	ID                int64     `bun:"stat_id,pk,autoincrement"`
	ConfigID          int64     `bun:"config_id,notnull,unique:periodic_stats_config_ts_key"`
	SavedAt           time.Time `bun:"saved_ts,notnull,unique:periodic_stats_config_ts_key"`
	Score             int64     `bun:"score"`
	PingMs            int64     `bun:"ping_ms"`
	SpeedBps          int64     `bun:"speed_bps"`
	NumSessions       int64     `bun:"num_sessions"`
	UptimeMs          int64     `bun:"uptime_ms"`
	TotalUsers        int64     `bun:"total_users"`
	TotalTrafficBytes int64     `bun:"total_traffic_bytes"`
}

type testRow struct {
	bun.BaseModel `bun:"table:user_tests,alias:ut"`

	ID       int64     `bun:"test_id,pk,autoincrement"`
	ConfigID int64     `bun:"config_id,notnull,unique:user_tests_config_ts_key"`
	SavedAt  time.Time `bun:"saved_ts,notnull,unique:user_tests_config_ts_key"`
	PingMs   int64     `bun:"ping_ms"`
	SpeedBps int64     `bun:"speed_bps"`
}

func rowFromConfig(cfg *models.ServerConfig) configRow {
	ip := ""
	if cfg.IP.IsValid() {
		ip = cfg.IP.String()
	}
	return configRow{
		ID:              cfg.ID,
		Name:            cfg.Name,
		IP:              ip,
		CountryCode:     cfg.CountryCode,
		CountryName:     cfg.CountryName,
		LogType:         cfg.LogType,
		OperatorName:    cfg.OperatorName,
		OperatorMessage: cfg.OperatorMessage,
		ConfigBlob:      cfg.ConfigBlob,
	}
}

func configFromRow(row configRow) *models.ServerConfig {
	ip, err := netip.ParseAddr(row.IP)
	if err != nil {
		ip = netip.Addr{}
	}
	return &models.ServerConfig{
		ID:              row.ID,
		Name:            row.Name,
		IP:              ip,
		CountryCode:     row.CountryCode,
		CountryName:     row.CountryName,
		LogType:         row.LogType,
		OperatorName:    row.OperatorName,
		OperatorMessage: row.OperatorMessage,
		ConfigBlob:      row.ConfigBlob,
	}
}

func rowFromStat(configID int64, stat *models.PeriodicStat) statRow {
	return statRow{
		ID:                stat.ID,
		ConfigID:          configID,
		SavedAt:           stat.SavedAt,
		Score:             stat.Score,
		PingMs:            stat.PingMs,
		SpeedBps:          stat.SpeedBps,
		NumSessions:       stat.NumSessions,
		UptimeMs:          stat.UptimeMs,
		TotalUsers:        stat.TotalUsers,
		TotalTrafficBytes: stat.TotalTrafficBytes,
	}
}

func statFromRow(row statRow) *models.PeriodicStat {
	return &models.PeriodicStat{
		ID:                row.ID,
		Score:             row.Score,
		PingMs:            row.PingMs,
		SpeedBps:          row.SpeedBps,
		NumSessions:       row.NumSessions,
		UptimeMs:          row.UptimeMs,
		TotalUsers:        row.TotalUsers,
		TotalTrafficBytes: row.TotalTrafficBytes,
		SavedAt:           row.SavedAt.UTC(),
	}
}

func rowFromTest(configID int64, test *models.UserTest) testRow {
	return testRow{
		ID:       test.ID,
		ConfigID: configID,
		SavedAt:  test.SavedAt,
		PingMs:   test.PingMs,
		SpeedBps: test.SpeedBps,
	}
}

func testFromRow(row testRow) *models.UserTest {
	return &models.UserTest{
		ID:       row.ID,
		PingMs:   row.PingMs,
		SpeedBps: row.SpeedBps,
		SavedAt:  row.SavedAt.UTC(),
	}
}
