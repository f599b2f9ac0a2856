package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"

	"github.com/megacodist/vpn-harvester/pkg/models"
)

// InitSchema creates the necessary tables if they don't exist.
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*configRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create vpn_configs table: %v", err)
	}

	_, err = db.NewCreateTable().
		Model((*statRow)(nil)).
		IfNotExists().
		ForeignKey(`("config_id") REFERENCES vpn_configs ("config_id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create periodic_stats table: %v", err)
	}

	_, err = db.NewCreateTable().
		Model((*testRow)(nil)).
		IfNotExists().
		ForeignKey(`("config_id") REFERENCES vpn_configs ("config_id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create user_tests table: %v", err)
	}

	return nil
}

// ReadAll loads every server with both series attached.
func (db *DB) ReadAll(ctx context.Context) ([]*models.Server, error) {
	var configs []configRow
	err := db.NewSelect().
		Model(&configs).
		Order("config_id").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading configs: %v", err)
	}

	servers := make([]*models.Server, 0, len(configs))
	byID := make(map[int64]*models.Server, len(configs))
	for _, row := range configs {
		srv := models.NewServer(configFromRow(row))
		servers = append(servers, srv)
		byID[row.ID] = srv
	}

	var stats []statRow
	err = db.NewSelect().
		Model(&stats).
		Order("config_id", "saved_ts").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading stats: %v", err)
	}
	for _, row := range stats {
		srv, ok := byID[row.ConfigID]
		if !ok {
			slog.Warn("Orphaned stat row", "statID", row.ID, "configID", row.ConfigID)
			continue
		}
		stat := statFromRow(row)
		srv.Stats[stat.SavedAt] = stat
	}

	var tests []testRow
	err = db.NewSelect().
		Model(&tests).
		Order("config_id", "saved_ts").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading tests: %v", err)
	}
	for _, row := range tests {
		srv, ok := byID[row.ConfigID]
		if !ok {
			slog.Warn("Orphaned test row", "testID", row.ID, "configID", row.ConfigID)
			continue
		}
		test := testFromRow(row)
		srv.Tests[test.SavedAt] = test
	}

	return servers, nil
}

// ReadByName loads one server and its series by natural key. Returns
// (nil, nil) when no such server exists.
func (db *DB) ReadByName(ctx context.Context, name string) (*models.Server, error) {
	var cfg configRow
	err := db.NewSelect().
		Model(&cfg).
		Where("name = ?", name).
		Scan(ctx)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config %q: %v", name, err)
	}

	srv := models.NewServer(configFromRow(cfg))

	var stats []statRow
	err = db.NewSelect().
		Model(&stats).
		Where("config_id = ?", cfg.ID).
		Order("saved_ts").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading stats of %q: %v", name, err)
	}
	for _, row := range stats {
		stat := statFromRow(row)
		srv.Stats[stat.SavedAt] = stat
	}

	var tests []testRow
	err = db.NewSelect().
		Model(&tests).
		Where("config_id = ?", cfg.ID).
		Order("saved_ts").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading tests of %q: %v", name, err)
	}
	for _, row := range tests {
		test := testFromRow(row)
		srv.Tests[test.SavedAt] = test
	}

	return srv, nil
}

// Upsert writes one aggregate in a single transaction: the config is
// inserted (populating its id) or updated by id, and every stat/test
// without an id is inserted and given one. Rows that already carry an id
// are never touched; historical samples are immutable.
func (db *DB) Upsert(ctx context.Context, server *models.Server) error {
	// Generated ids land in assigned and are copied onto the model only
	// after the transaction commits.
	var assigned []func()

	err := db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		cfg := rowFromConfig(server.Config)
		if cfg.ID == 0 {
			_, err := tx.NewInsert().
				Model(&cfg).
				Returning("config_id").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("error inserting config %q: %v", cfg.Name, err)
			}
			id := cfg.ID
			assigned = append(assigned, func() { server.Config.ID = id })
		} else {
			_, err := tx.NewUpdate().
				Model(&cfg).
				Column("ip", "country_code", "country_name", "log_type",
					"operator_name", "operator_message", "ovpn_config_base64").
				WherePK().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("error updating config %q: %v", cfg.Name, err)
			}
		}

		for _, stat := range server.Stats {
			if stat.ID != 0 {
				continue
			}
			row := rowFromStat(cfg.ID, stat)
			_, err := tx.NewInsert().
				Model(&row).
				Returning("stat_id").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("error inserting stat of %q at %s: %v",
					cfg.Name, stat.SavedAt, err)
			}
			stat, id := stat, row.ID
			assigned = append(assigned, func() { stat.ID = id })
		}

		for _, test := range server.Tests {
			if test.ID != 0 {
				continue
			}
			row := rowFromTest(cfg.ID, test)
			_, err := tx.NewInsert().
				Model(&row).
				Returning("test_id").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("error inserting test of %q at %s: %v",
					cfg.Name, test.SavedAt, err)
			}
			test, id := test, row.ID
			assigned = append(assigned, func() { test.ID = id })
		}

		return nil
	})
	if err != nil {
		return err
	}
	for _, apply := range assigned {
		apply()
	}
	return nil
}

// DeleteByName removes a server; its stats and tests go with it via the
// cascading foreign keys.
func (db *DB) DeleteByName(ctx context.Context, name string) error {
	_, err := db.NewDelete().
		Model((*configRow)(nil)).
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error deleting server %q: %v", name, err)
	}
	return nil
}
