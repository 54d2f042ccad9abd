package database

import (
	"context"

	"whale-flow-analyzer/internal/domain/entity"
)

// NoopClusterRepository discards cluster records when Neo4J is disabled
type NoopClusterRepository struct{}

// UpsertClusters does nothing
func (NoopClusterRepository) UpsertClusters(context.Context, []entity.ClusterRecord) error {
	return nil
}

// UpsertMemberships does nothing
func (NoopClusterRepository) UpsertMemberships(context.Context, []entity.ClusterMembership) error {
	return nil
}

// RetireClusters does nothing
func (NoopClusterRepository) RetireClusters(context.Context, []string) error {
	return nil
}
