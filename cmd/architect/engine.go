package main

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"architect/pkg/classify"
	"architect/pkg/cooldown"
	"architect/pkg/dispatch"
	"architect/pkg/lockmgr"
	"architect/pkg/oversight"
	"architect/pkg/queue"
)

// engine bundles the components every subcommand needs. Commands open it
// lazily so `architect --help` never touches the database.
type engine struct {
	cfg        Config
	db         *sql.DB
	store      *queue.Store
	locks      *lockmgr.Manager
	registry   *dispatch.Registry
	cooldowns  *cooldown.Manager
	directives *oversight.Channel
	classifier *classify.Classifier
	log        *zap.Logger
}

func openEngine(cfgPath string) (*engine, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	db, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	rules, err := classify.LoadRulesOrDefault(cfg.RulesFile)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load classifier rules: %w", err)
	}

	log, err := newLogger(cfg.Verbose)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := queue.NewStore(db)
	return &engine{
		cfg:        cfg,
		db:         db,
		store:      store,
		locks:      lockmgr.New(db),
		registry:   dispatch.NewRegistry(db),
		cooldowns:  cooldown.New(db),
		directives: oversight.New(db, store),
		classifier: classify.New(rules),
		log:        log,
	}, nil
}

func (e *engine) Close() error {
	_ = e.log.Sync()
	return e.db.Close()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}
