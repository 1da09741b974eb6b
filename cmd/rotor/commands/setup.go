package commands

import (
	"context"
	"fmt"

	"github.com/wonny/rotor/internal/broker"
	"github.com/wonny/rotor/internal/contracts"
	"github.com/wonny/rotor/internal/dataprovider"
	"github.com/wonny/rotor/internal/engine"
	"github.com/wonny/rotor/internal/journal"
	"github.com/wonny/rotor/internal/risk"
	"github.com/wonny/rotor/internal/strategy"
	"github.com/wonny/rotor/pkg/config"
	"github.com/wonny/rotor/pkg/database"
	"github.com/wonny/rotor/pkg/logger"
	"github.com/wonny/rotor/pkg/redis"
)

// simStartingCash seeds the simulated account in dry-run mode.
const simStartingCash = 100_000

// app wires the full stack for a command invocation.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	broker  contracts.Broker
	orch    *engine.Orchestrator
	journal *journal.Journal
	redis   *redis.Client
	db      *database.DB
}

// newApp builds the engine from configuration. With connectBroker false the
// gateway session is constructed but left disconnected, for commands that
// only read local state.
func newApp(ctx context.Context, connectBroker bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dryRun {
		cfg.Trading.DryRun = true
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	log := logger.New(cfg)

	redisClient, err := redis.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
	}

	tradeJournal, err := journal.New(cfg.Trading.JournalDir, log)
	if err != nil {
		return nil, err
	}
	if db != nil {
		tradeJournal = tradeJournal.WithMirror(journal.NewRepository(db.Pool))
	}

	var b contracts.Broker
	if cfg.Trading.DryRun {
		log.WithField("cash", simStartingCash).Info("Dry-run mode, trading against simulator")
		b = broker.NewSimulator(simStartingCash, 1.0, log)
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
	} else {
		session := broker.NewSession(&cfg.Broker, log)
		if connectBroker {
			if err := session.Connect(ctx); err != nil {
				return nil, fmt.Errorf("connect broker: %w", err)
			}
		}
		b = session
	}

	strat, err := strategy.New(cfg.Trading.ActiveStrategy)
	if err != nil {
		return nil, err
	}

	barCache := redis.NewCache(redisClient, "rotor")
	data := dataprovider.NewCachedProvider(
		dataprovider.NewChain(log,
			dataprovider.NewBrokerProvider(b),
			dataprovider.NewStooqProvider(log),
			dataprovider.NewStooqHTMLProvider(log),
		),
		barCache, log,
	)

	orch := engine.NewOrchestrator(
		&cfg.Trading,
		b,
		data,
		strat,
		risk.NewManager(&cfg.Trading, log),
		tradeJournal,
		log,
	)

	return &app{
		cfg:     cfg,
		log:     log,
		broker:  b,
		orch:    orch,
		journal: tradeJournal,
		redis:   redisClient,
		db:      db,
	}, nil
}

func (a *app) close() {
	if a.broker != nil && a.broker.IsConnected() {
		if err := a.broker.Disconnect(); err != nil {
			a.log.WithError(err).Warn("Broker disconnect failed")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("Redis close failed")
		}
	}
}
