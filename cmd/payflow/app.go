package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/fortressi/payflow"
	"github.com/fortressi/payflow/amqpbus"
	"github.com/fortressi/payflow/badgerstore"
	"github.com/fortressi/payflow/config"
	"github.com/fortressi/payflow/sandbox"
	"github.com/fortressi/payflow/sqlstore"
)

// app holds an engine and everything it was built from.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	engine   *payflow.Engine
	registry payflow.IdempotencyRegistry
	bus      payflow.EventBus
	gateway  *sandbox.Gateway
	closers  []func() error
}

func newLogger(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func newApp(cfg *config.Config, logOut io.Writer) (_ *app, err error) {
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	ledger, err := a.openStore()
	if err != nil {
		return nil, err
	}
	if err := a.openBus(); err != nil {
		return nil, err
	}

	var reporter payflow.Reporter = payflow.NewLogReporter(logger)
	if cfg.Reports.Dir != "" {
		if reporter, err = payflow.NewFileReporter(cfg.Reports.Dir); err != nil {
			return nil, err
		}
	}

	a.gateway = sandbox.New(sandbox.Options{Latency: cfg.Sandbox.Latency, Logger: logger}, cfg.Sandbox.Accounts...)
	steps := payflow.NewStepRegistry()
	for _, def := range payflow.GatewaySteps(a.gateway) {
		if err := steps.Register(def); err != nil {
			return nil, err
		}
	}

	a.engine, err = payflow.NewEngine(payflow.Options{
		Ledger:             ledger,
		Registry:           a.registry,
		Bus:                a.bus,
		Steps:              steps,
		StepPolicy:         cfg.Retry.Step.Policy(),
		CompensationPolicy: cfg.Retry.Compensation.Policy(),
		StoragePolicy:      cfg.Retry.Storage.Policy(),
		Reporter:           reporter,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStore() (payflow.Ledger, error) {
	opts := a.cfg.RegistryOptions()
	switch a.cfg.Store.Driver {
	case config.StoreMemory:
		registry, err := payflow.NewMemoryRegistry(opts)
		if err != nil {
			return nil, err
		}
		a.registry = registry
		return payflow.NewMemoryLedger(), nil

	case config.StoreBadger:
		db, err := badgerstore.Open(badgerstore.Options{Dir: a.cfg.Store.Path, Logger: a.logger})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		registry, err := badgerstore.NewRegistry(db, opts)
		if err != nil {
			return nil, err
		}
		a.registry = registry
		return badgerstore.NewLedger(db), nil

	case config.StoreSQLite, config.StorePostgres:
		var db *gorm.DB
		var err error
		if a.cfg.Store.Driver == config.StoreSQLite {
			db, err = sqlstore.Open(sqlite.Open(a.cfg.Store.Path+"?_pragma=busy_timeout(5000)"), a.logger)
		} else {
			db, err = sqlstore.OpenPostgres(a.cfg.Store.DSN, a.logger)
		}
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, sqlDB.Close)
		if a.cfg.Store.Driver == config.StoreSQLite {
			sqlDB.SetMaxOpenConns(1)
		}
		if err := sqlstore.Migrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		registry, err := sqlstore.NewRegistry(db, opts)
		if err != nil {
			return nil, err
		}
		a.registry = registry
		return sqlstore.NewLedger(db), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
}

func (a *app) openBus() error {
	switch a.cfg.Bus.Driver {
	case config.BusMemory:
		a.bus = payflow.NewMemoryBus(a.logger)
		return nil
	case config.BusAMQP:
		bus, err := amqpbus.Dial(a.cfg.Bus.URL, amqpbus.Options{
			Exchange: a.cfg.Bus.Exchange,
			Queue:    a.cfg.Bus.Queue,
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, bus.Close)
		a.bus = bus
		return nil
	}
	return fmt.Errorf("unknown bus driver %q", a.cfg.Bus.Driver)
}

// close stops the engine, then releases stores and the bus in reverse
// order of opening.
func (a *app) close() error {
	var errs []error
	if a.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownWait)
		errs = append(errs, a.engine.Close(ctx))
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
