package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/google/uuid"
	"github.com/xtalchain/xtal/foundation/blockchain/database"
	"github.com/xtalchain/xtal/foundation/blockchain/database/blockfile"
	"github.com/xtalchain/xtal/foundation/blockchain/database/index"
	"github.com/xtalchain/xtal/foundation/blockchain/genesis"
	"github.com/xtalchain/xtal/foundation/blockchain/mempool"
	"github.com/xtalchain/xtal/foundation/blockchain/state"
	"github.com/xtalchain/xtal/foundation/blockchain/worker"
	"github.com/xtalchain/xtal/foundation/logger"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	// This is all the configuration for the application and the default values.
	// Configuration values will be passed through the application as individual
	// values.
	cfg := struct {
		conf.Version
		Genesis struct {
			Path string `conf:"default:zblock/genesis.json"`
		}
		Storage struct {
			BlocksDir    string `conf:"default:zblock/blocks"`
			MaxFileSize  uint64 `conf:"default:134217728"`
			Compression  string `conf:"default:zstd"`
			Level        int    `conf:"default:3"`
			IndexPath    string `conf:"default:zblock/index"`
			IndexWorkers int    `conf:"default:4"`
			CacheSize    int    `conf:"default:256"`
		}
		Mempool struct {
			SizeLimitMB    int           `conf:"default:300"`
			TxTimeout      time.Duration `conf:"default:1h"`
			FruitTimeout   time.Duration `conf:"default:30m"`
			SelectStrategy string        `conf:"default:queue"`
		}
		Worker struct {
			CleanupInterval time.Duration `conf:"default:1m"`
			BlockInterval   time.Duration `conf:"default:10s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "xtal block storage node",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// The blockchain packages accept a function of this signature to allow the
	// application to log. Every message from this run carries the same trace id.
	traceID := uuid.NewString()
	ev := func(v string, args ...any) {
		log.Infow(fmt.Sprintf(v, args...), "traceid", traceID)
	}

	// =========================================================================
	// Blockchain Support

	gen := genesis.Default()
	if cfg.Genesis.Path != "" {
		gen, err = genesis.Load(cfg.Genesis.Path)
		if err != nil {
			return fmt.Errorf("loading genesis: %w", err)
		}
	}
	log.Infow("startup", "status", "genesis", "chain_id", gen.ChainID, "difficulty", fmt.Sprintf("0x%08x", gen.Difficulty))

	ctx := context.Background()

	db, err := database.New(ctx, database.Config{
		Files: blockfile.Config{
			Dir:         cfg.Storage.BlocksDir,
			MaxFileSize: cfg.Storage.MaxFileSize,
			Compression: cfg.Storage.Compression,
			Level:       cfg.Storage.Level,
		},
		Index: index.Config{
			Path:    cfg.Storage.IndexPath,
			Workers: cfg.Storage.IndexWorkers,
		},
		CacheSize: cfg.Storage.CacheSize,
		EvHandler: ev,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	mp, err := mempool.New(mempool.Config{
		SizeLimitMB:    cfg.Mempool.SizeLimitMB,
		TxTimeout:      cfg.Mempool.TxTimeout,
		FruitTimeout:   cfg.Mempool.FruitTimeout,
		SelectStrategy: cfg.Mempool.SelectStrategy,
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("constructing mempool: %w", err)
	}

	// The state value represents the blockchain node and manages the blockchain
	// database and provides an API for application support.
	state, err := state.New(ctx, state.Config{
		Genesis:   gen,
		Database:  db,
		Mempool:   mp,
		EvHandler: ev,
	})
	if err != nil {
		db.Close()
		return err
	}

	// The worker package implements the background workflows such as mempool
	// cleanup and block assembly. The worker will register itself with the state.
	worker.Run(state, worker.Config{
		CleanupInterval: cfg.Worker.CleanupInterval,
		BlockInterval:   cfg.Worker.BlockInterval,
	}, ev)

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	sig := <-shutdown
	log.Infow("shutdown", "status", "shutdown started", "signal", sig)
	defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

	// Give the worker a deadline to finish the block it may be writing.
	done := make(chan error, 1)
	go func() {
		done <- state.Shutdown()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("could not stop node gracefully: %w", err)
		}
	case <-time.After(cfg.Worker.ShutdownTimeout):
		return errors.New("timed out stopping the node")
	}

	return nil
}
