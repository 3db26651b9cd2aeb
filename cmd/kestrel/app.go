package main

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/classifier"
	"github.com/opensource-finance/kestrel/internal/consensus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/models"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// app holds the wired components shared by the subcommands.
type app struct {
	repo      *repository.SQLRepository
	cache     domain.Cache
	bus       domain.EventBus
	models    *models.Manager
	gateway   *classifier.Gateway
	consensus *consensus.Engine
	rules     *rules.Engine
	detector  *anomaly.Detector
	history   *history.Service
}

// newApp initializes every component in dependency order. withBus controls
// whether the event bus is connected; one-shot commands skip it.
func newApp(ctx context.Context, cfg *domain.Config, logger *zap.Logger, withBus bool) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	logger.Info("repository initialized", zap.String("driver", cfg.Repository.Driver))

	if a.cache, err = cache.New(cfg.Cache); err != nil {
		return nil, err
	}
	logger.Info("cache initialized", zap.String("type", cfg.Cache.Type))

	if withBus {
		if a.bus, err = bus.New(cfg.EventBus, logger); err != nil {
			return nil, err
		}
		logger.Info("event bus initialized", zap.String("type", cfg.EventBus.Type))
	}

	store, err := models.NewStore(cfg.Models, repo)
	if err != nil {
		return nil, err
	}
	a.models = models.NewManager(store, cfg.Models.ArtifactName, cfg.Anomaly, logger)
	if cfg.Models.AutoLoad {
		if err := a.models.Load(ctx); err != nil {
			if !errors.Is(err, models.ErrModelUnavailable) {
				return nil, err
			}
			logger.Warn("serving without trained models", zap.Error(err))
		}
	}

	a.gateway = classifier.NewGateway(classifier.Build(cfg, a.models, logger), cfg.Gateway.CallTimeout, logger)
	a.consensus = consensus.NewEngine(a.gateway, consensus.Options{
		Cache:   a.cache,
		Audit:   repo,
		Weights: consensus.NewWeights(cfg.Consensus),
		TTL:     cfg.Cache.ResultTTL,
		Logger:  logger,
	})
	logger.Info("classifier gateway initialized", zap.Strings("classifiers", a.gateway.Classifiers()))

	if a.rules, err = rules.NewEngine(logger); err != nil {
		return nil, err
	}
	if err := a.rules.LoadRules(cfg.Rules); err != nil {
		return nil, err
	}
	logger.Info("rule engine initialized", zap.Int("rules", a.rules.RulesCount()))

	a.detector = anomaly.NewDetector(a.models, a.rules, anomaly.Options{Audit: repo, Logger: logger})
	a.history = history.NewService(repo, cfg.Anomaly.HistoryWindow).WithConfigSource(a.models)

	ok = true
	return a, nil
}

func (a *app) close() {
	if a.rules != nil {
		_ = a.rules.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.repo != nil {
		_ = a.repo.Close()
	}
}
