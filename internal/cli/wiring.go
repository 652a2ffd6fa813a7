package cli

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/threatworks/signalsync/internal/collabstore"
	"github.com/threatworks/signalsync/internal/exchange"
	"github.com/threatworks/signalsync/internal/signalsync"
)

// environment is everything a command needs wired together: the
// connector registry, the fetched state store, and the collaboration
// config store.
type environment struct {
	exchanges *signalsync.ExchangeSet
	store     *signalsync.Store
	collabs   *collabstore.Store
	logger    signalsync.Logger
}

type stderrLogger struct{}

func (stderrLogger) Printf(format string, args ...any) {
	log.Printf(format, args...)
}

func buildEnvironment() (*environment, error) {
	var logger signalsync.Logger
	if verbose {
		logger = stderrLogger{}
	}

	stateDSN := strings.TrimSpace(viper.GetString("state_dsn"))
	if stateDSN == "" {
		stateDSN = "file://" + filepath.Join(homeDir(), ".signalsync", "fetched")
	}
	backend, err := signalsync.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}

	collabDir := strings.TrimSpace(viper.GetString("collab_dir"))
	if collabDir == "" {
		collabDir = filepath.Join(homeDir(), ".signalsync", "collabs")
	}
	collabs, err := collabstore.NewStore(collabDir, logger)
	if err != nil {
		return nil, fmt.Errorf("collab config store: %w", err)
	}

	// The connector registry is populated here, at process start, from
	// a fixed list; collaborations select a connector by name.
	exchanges := signalsync.NewExchangeSet(
		exchange.NewSampleAPI(),
		exchange.NewLocalFileAPI(),
		exchange.NewTExchangeAPI(exchange.TExchangeOptions{
			BaseURL:           viper.GetString("exchange_url"),
			Token:             viper.GetString("exchange_token"),
			RequestsPerSecond: viper.GetFloat64("exchange_rps"),
			Logger:            logger,
		}),
		exchange.NewStreamAPI(exchange.StreamOptions{
			BaseURL: viper.GetString("stream_url"),
			Logger:  logger,
		}),
	)

	return &environment{
		exchanges: exchanges,
		store:     signalsync.NewStore(signalsync.StoreOptions{Backend: backend, Logger: logger}),
		collabs:   collabs,
		logger:    logger,
	}, nil
}

func (e *environment) Close() {
	if e == nil || e.store == nil {
		return
	}
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing state store: %v\n", err)
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
