package main

import (
	"context"
	"fmt"

	app_service "whale-flow-analyzer/internal/application/service"
	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/domain/repository"
	domain_service "whale-flow-analyzer/internal/domain/service"
	"whale-flow-analyzer/internal/infrastructure/blockchain"
	"whale-flow-analyzer/internal/infrastructure/cache"
	"whale-flow-analyzer/internal/infrastructure/config"
	"whale-flow-analyzer/internal/infrastructure/database"
	"whale-flow-analyzer/internal/infrastructure/logger"
	"whale-flow-analyzer/internal/infrastructure/messaging"
	"whale-flow-analyzer/internal/infrastructure/metrics"
	"whale-flow-analyzer/internal/infrastructure/registry"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// memoryCacheLimit bounds the in-process CoinJoin cache used when Redis is disabled
const memoryCacheLimit = 100_000

// analyzerModule provides every dependency of the analysis service
func analyzerModule(cfg *config.Config, log *logger.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Supply(log),
		fx.Supply(&cfg.NATS),
		fx.Supply(&cfg.Neo4J),
		fx.Supply(&cfg.Registry),
		fx.Provide(func() *zap.Logger { return log.Logger }),

		// Infrastructure providers
		fx.Provide(
			newCollectors,
			blockchain.NewGatewayFromConfig,
			func(g *blockchain.Gateway) domain_service.TransactionFetcher { return g },
			registry.LoadExchangeRegistry,
			func(r *domain_service.ExchangeRegistry) domain_service.ExchangeDirectory { return r },
			database.NewNeo4JClient,
			newClusterRepository,
			newCoinJoinCache,
			messaging.NewNATSClient,
			newSignalPublisher,
			newVoteSource,
		),

		// Domain services
		fx.Provide(
			domain_service.NewEntityResolver,
			newCoinJoinClassifier,
			newChangeDetector,
			newFlowClassifier,
			newWindowSet,
			newFusionEngine,
		),

		// Application providers
		fx.Provide(
			newAnalysisService,
		),

		fx.Invoke(connectStores),
	)
}

// newCollectors returns nil when metrics are disabled; the collectors are nil-safe
func newCollectors(cfg *config.Config) *metrics.Collectors {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.NewCollectors()
}

func newCoinJoinClassifier(cfg *config.Config) *domain_service.CoinJoinClassifier {
	rules := domain_service.CoinJoinRules{
		EqualTolerance:         entity.Satoshi(cfg.CoinJoin.EqualTolerance),
		MinEqualOutputs:        cfg.CoinJoin.MinEqualOutputs,
		MinInputs:              cfg.CoinJoin.MinInputs,
		MinDenominationOutputs: cfg.CoinJoin.MinDenominationOutputs,
		CoordinatorMinOutputs:  cfg.CoinJoin.CoordinatorMinOutputs,
		CoordinatorMinEqual:    cfg.CoinJoin.CoordinatorMinEqual,
	}
	for _, d := range cfg.CoinJoin.Denominations {
		rules.Denominations = append(rules.Denominations, entity.SatoshiFromBTC(d))
	}
	return domain_service.NewCoinJoinClassifier(rules)
}

func newChangeDetector(cfg *config.Config) *domain_service.ChangeDetector {
	return domain_service.NewChangeDetector(domain_service.ChangeRules{
		MinRoundnessGap:      cfg.Change.MinRoundnessGap,
		SmallValueFraction:   cfg.Change.SmallValueFraction,
		SmallValueMaxOutputs: cfg.Change.SmallValueMaxOutput,
	})
}

func newFlowClassifier(cfg *config.Config) *domain_service.FlowClassifier {
	return domain_service.NewFlowClassifier(cfg.Flow.CoinJoinThreshold)
}

func newWindowSet(cfg *config.Config) *domain_service.WindowSet {
	return domain_service.NewWindowSet(cfg.Aggregator.Widths, domain_service.AggregatorRules{
		NoiseThreshold: entity.SatoshiFromBTC(cfg.Aggregator.NoiseThresholdBTC),
		HistoryWindows: cfg.Aggregator.HistoryWindows,
	})
}

func newFusionEngine(cfg *config.Config) *domain_service.FusionEngine {
	return domain_service.NewFusionEngine(cfg.Fusion.Weights, cfg.Fusion.BuyThreshold, cfg.Fusion.SellThreshold)
}

func newClusterRepository(client *database.Neo4JClient, log *logger.Logger) repository.ClusterRepository {
	if !client.Enabled() {
		return database.NoopClusterRepository{}
	}
	return database.NewNeo4JClusterRepository(client, log)
}

// newCoinJoinCache uses Redis when enabled, the in-process cache otherwise
func newCoinJoinCache(lifecycle fx.Lifecycle, cfg *config.Config, log *logger.Logger) repository.CoinJoinCache {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCoinJoinCache(memoryCacheLimit)
	}

	redisCache := cache.NewRedisCoinJoinCache(cache.NewRedisClient(&cfg.Redis), cfg.Redis.KeyPrefix, cfg.CoinJoin.CacheTTL, log)
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// An unreachable cache only costs recomputation
			if err := redisCache.Ping(ctx); err != nil {
				log.Warn("Redis unreachable, CoinJoin verdicts will be recomputed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return redisCache.Close()
		},
	})
	return redisCache
}

func newSignalPublisher(client *messaging.NATSClient, log *logger.Logger) repository.SignalPublisher {
	return messaging.NewNATSSignalPublisher(client, log)
}

// newVoteSource subscribes to the vote stream when NATS is enabled and serves the configured
// static vote otherwise. The NATS connection is opened here so the subscription follows it.
func newVoteSource(lifecycle fx.Lifecycle, client *messaging.NATSClient, cfg *config.Config, log *logger.Logger) repository.VoteSource {
	if !client.Enabled() {
		return messaging.NewStaticVoteSource(cfg.Fusion.ExternalVote)
	}

	consumer := messaging.NewNATSVoteConsumer(client, log)
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("NATS Configuration",
				zap.String("url", cfg.NATS.URL),
				zap.String("subject_prefix", cfg.NATS.SubjectPrefix),
				zap.Bool("enabled", cfg.NATS.Enabled),
			)
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			return consumer.Subscribe()
		},
		OnStop: func(ctx context.Context) error {
			if err := consumer.Unsubscribe(); err != nil {
				log.Error("Failed to unsubscribe from votes", zap.Error(err))
			}
			return client.Disconnect()
		},
	})
	return consumer
}

type analysisParams struct {
	fx.In

	Config      *config.Config
	Logger      *logger.Logger
	Fetcher     domain_service.TransactionFetcher
	Exchanges   domain_service.ExchangeDirectory
	Resolver    *domain_service.EntityResolver
	CoinJoin    *domain_service.CoinJoinClassifier
	Change      *domain_service.ChangeDetector
	Flow        *domain_service.FlowClassifier
	Windows     *domain_service.WindowSet
	Fusion      *domain_service.FusionEngine
	ClusterRepo repository.ClusterRepository
	Cache       repository.CoinJoinCache
	Publisher   repository.SignalPublisher
	Votes       repository.VoteSource
	Metrics     *metrics.Collectors
}

func newAnalysisService(p analysisParams) domain_service.AnalysisService {
	return app_service.NewAnalysisApplicationService(
		app_service.AnalysisDeps{
			Fetcher:     p.Fetcher,
			Exchanges:   p.Exchanges,
			Resolver:    p.Resolver,
			CoinJoin:    p.CoinJoin,
			Change:      p.Change,
			Flow:        p.Flow,
			Windows:     p.Windows,
			Fusion:      p.Fusion,
			ClusterRepo: p.ClusterRepo,
			Cache:       p.Cache,
			Publisher:   p.Publisher,
			Votes:       p.Votes,
			Metrics:     p.Metrics,
		},
		app_service.AnalysisOptions{
			BlockDeadline:  p.Config.Ingestion.BlockDeadline,
			DetectWorkers:  p.Config.App.DetectWorkers,
			WhaleThreshold: entity.SatoshiFromBTC(p.Config.Flow.WhaleThresholdBTC),
			WhaleTop:       p.Config.App.ReportWhaleTop,
			MaxVoteAge:     p.Config.Fusion.MaxVoteAge,
		},
		p.Logger,
	)
}

// connectStores opens the cluster store before any block is analyzed
func connectStores(lifecycle fx.Lifecycle, neo4jClient *database.Neo4JClient, log *logger.Logger) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := neo4jClient.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to Neo4J: %w", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := neo4jClient.Close(ctx); err != nil {
				log.Error("Failed to close Neo4J connection", zap.Error(err))
			}
			return nil
		},
	})
}
