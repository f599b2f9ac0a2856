package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/megacodist/vpn-harvester/pkg/database"
	"github.com/megacodist/vpn-harvester/pkg/fetch"
	"github.com/megacodist/vpn-harvester/pkg/ovpn"
	"github.com/megacodist/vpn-harvester/pkg/reconciler"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vpn-harvester",
	Short: "Harvests the relay directory feed into a local server database",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the database schema if it does not exist",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		logger.Info("Database schema ready")
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [file]",
	Short: "Fetch a feed snapshot, reconcile it, and save the diff",
	Long: `Fetch a snapshot of the relay directory feed (or read one from [file]),
reconcile it against the stored server set, and commit the resulting
upserts and deletions to the database.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var text string
		if len(args) == 1 {
			data, err := os.ReadFile(args[0])
			if err != nil {
				logger.Error("Error reading snapshot file", "file", args[0], "error", err)
				os.Exit(1)
			}
			text = string(data)
		} else {
			url := viper.GetString("feed.url")
			logger.Debug("Fetching feed", "url", url)
			var err error
			text, err = fetch.Snapshot(url, fetch.Options{
				Transport:  viper.GetString("feed.transport"),
				TimeoutSec: viper.GetInt("feed.timeout_sec"),
			})
			if err != nil {
				logger.Error("Error fetching feed", "url", url, "error", err)
				os.Exit(1)
			}
		}

		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		mgr := reconciler.New(logger)
		if err := mgr.ResetFromGateway(ctx, db); err != nil {
			logger.Error("Error loading servers", "error", err)
			os.Exit(1)
		}
		if err := mgr.SyncFromSnapshot(text, time.Now()); err != nil {
			logger.Error("Error synchronizing snapshot", "error", err)
			os.Exit(1)
		}
		if err := mgr.SaveChanges(ctx, db); err != nil {
			logger.Error("Error saving changes", "error", err)
			os.Exit(1)
		}
		logger.Info("Sync completed successfully", "servers", mgr.Len())
	},
}

var exportOvpnCmd = &cobra.Command{
	Use:   "export-ovpn [dir]",
	Short: "Export stored connection profiles as .ovpn files",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		servers, err := db.ReadAll(context.Background())
		if err != nil {
			logger.Error("Error reading servers", "error", err)
			os.Exit(1)
		}
		written, err := ovpn.Export(args[0], servers)
		if err != nil {
			logger.Error("Error exporting profiles", "error", err)
			os.Exit(1)
		}
		logger.Info("Profiles exported", "dir", args[0], "written", written)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(initDBCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(exportOvpnCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.vpn-harvester")
	viper.AddConfigPath("/etc/vpn-harvester/")

	viper.SetDefault("feed.url", "http://www.vpngate.net/api/iphone/")
	viper.SetDefault("feed.timeout_sec", 10)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func initDB() (*database.DB, error) {
	db, err := database.NewDB()
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
