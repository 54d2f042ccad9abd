package repository

import (
	"context"

	"whale-flow-analyzer/internal/domain/entity"
)

// ClusterRepository persists entity clusters produced by the resolver
type ClusterRepository interface {
	// UpsertClusters creates or updates cluster records keyed by representative
	UpsertClusters(ctx context.Context, clusters []entity.ClusterRecord) error

	// UpsertMemberships links addresses to their current representative
	UpsertMemberships(ctx context.Context, memberships []entity.ClusterMembership) error

	// RetireClusters removes the records of representatives absorbed by a merge once no
	// address is linked to them any more
	RetireClusters(ctx context.Context, representatives []string) error
}
