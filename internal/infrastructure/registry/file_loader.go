package registry

import (
	"fmt"
	"os"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/domain/service"
	"whale-flow-analyzer/internal/infrastructure/config"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"go.uber.org/zap"
)

// LoadExchangeRegistry reads the exchange list file. Every failure wraps
// entity.ErrRegistryLoad so the process refuses to start.
func LoadExchangeRegistry(cfg *config.RegistryConfig, log *logger.Logger) (*service.ExchangeRegistry, error) {
	log = log.WithComponent("registry")

	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: no exchange list path configured", entity.ErrRegistryLoad)
	}
	file, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrRegistryLoad, err)
	}
	defer file.Close()

	reg, stats, err := service.ParseExchangeList(file, cfg.MaxMalformedRatio)
	if err != nil {
		log.Error("Failed to load exchange registry",
			zap.String("path", cfg.Path),
			zap.Int("rows", stats.Rows),
			zap.Int("skipped", stats.Skipped),
			zap.Error(err))
		return nil, fmt.Errorf("load %s: %w", cfg.Path, err)
	}

	if stats.Skipped > 0 {
		log.Warn("Skipped malformed exchange list rows",
			zap.String("path", cfg.Path),
			zap.Int("skipped", stats.Skipped))
	}
	log.Info("Loaded exchange registry",
		zap.String("path", cfg.Path),
		zap.Int("addresses", reg.Size()),
		zap.Int("duplicates", stats.Duplicate))
	return reg, nil
}
