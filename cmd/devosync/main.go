// Command devosync runs the offline-first sync core for warehouse return
// processing: a local SQLite store of demands, conferences, checklists,
// anomalies and closing photos, plus the engine that pushes confirmed state
// to the remote API whenever connectivity allows.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wmsfield/devosync/internal/config"
)

var (
	configPath string
	cfg        config.Config
	logger     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "devosync",
	Short: "Offline-first sync core for warehouse return processing",
	Long: `devosync keeps return-processing work (demands, blind counts, checklists,
anomalies, closing photos) in a local SQLite database that survives offline
periods, and syncs confirmed state to the remote API when connectivity allows.

Records carry a synced flag: local writes clear it, and only a confirmed
remote acceptance sets it. Sync runs are mutually exclusive and are triggered
by network recovery (debounced), a periodic tick, or an explicit command.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger = setupLogger(cfg.Log)
		return nil
	},
	SilenceUsage: true,
}

func setupLogger(lc config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}}
	if lc.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSize,
			MaxBackups: lc.MaxFiles,
		})
	}
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().
		Logger()
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing devosync.yaml")
	rootCmd.AddCommand(daemonCmd, syncCmd, statusCmd, pullCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
