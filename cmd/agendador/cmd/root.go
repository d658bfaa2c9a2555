// Package cmd provides the agendador CLI commands.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/DanielMarcoD/agendador"
)

var (
	cfgFile  string
	logLevel string
	baseURL  string
	profile  string
	auditLog string
	log      *logrus.Logger
)

func init() {
	log = logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

var rootCmd = &cobra.Command{
	Use:   "agendador",
	Short: "Session client for the agendador API",
	Long: `agendador logs in to the agendador API, keeps the session tokens on disk
and sends authenticated requests, refreshing the access token when needed.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(strings.ToLower(logLevel))
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: AGENDADOR_CONFIG env var or built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "",
		"API base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "",
		"session profile; namespaces the stored tokens")
	rootCmd.PersistentFlags().StringVar(&auditLog, "audit-log", "",
		"append session audit events as JSON lines to this file")
}

// loadConfig resolves the config file, applies flag overrides and, when the
// config keeps tokens in memory, switches to a file under the user config dir so
// the session outlives the process.
func loadConfig() (agendador.Config, error) {
	cfg := agendador.DefaultConfig()
	if cfgFile != "" || os.Getenv("AGENDADOR_CONFIG") != "" {
		loaded, err := agendador.LoadConfig(cfgFile)
		if err != nil {
			return agendador.Config{}, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	if baseURL != "" {
		cfg.API.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if profile != "" {
		cfg.Storage.KeyPrefix = profile
	}
	if cfg.Storage.Backend == agendador.StorageMemory {
		dir, err := os.UserConfigDir()
		if err != nil {
			return agendador.Config{}, fmt.Errorf("locating config dir: %w", err)
		}
		cfg.Storage.Backend = agendador.StorageFile
		cfg.Storage.FilePath = filepath.Join(dir, "agendador", "session.json")
	}
	return cfg, cfg.Validate()
}

// newClient builds a client for a one-shot command. The renewer only runs for
// long-lived commands, which enable it themselves.
func newClient(renew bool) (*agendador.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Renewer.Enabled = renew

	sink, err := auditSink(&cfg)
	if err != nil {
		return nil, err
	}

	return agendador.New().
		WithConfig(cfg).
		WithLogger(log).
		WithAuditSink(sink).
		WithAuthFailureHandler(func(err error) {
			log.WithError(err).Warn("Session expired, run `agendador login`")
		}).
		Build()
}

// auditSink logs audit events and, with --audit-log, also appends them to a
// file that stays open until the process exits.
func auditSink(cfg *agendador.Config) (agendador.AuditSink, error) {
	sinks := agendador.MultiSink{agendador.NewLogrusSink(log)}
	if auditLog == "" {
		return sinks, nil
	}

	f, err := os.OpenFile(auditLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	cfg.Audit.Enabled = true
	return append(sinks, agendador.NewJSONWriterSink(f)), nil
}

// describe turns err into the user-facing message.
func describe(err error) error {
	info := agendador.Describe(err)
	return fmt.Errorf("%s: %s", info.Title, info.Message)
}

var errAuthRequired = agendador.ErrAuthRequired
