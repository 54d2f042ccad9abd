package database

import (
	"context"
	"fmt"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
	"whale-flow-analyzer/internal/domain/repository"
	"whale-flow-analyzer/internal/infrastructure/logger"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4JClusterRepository implements ClusterRepository interface
type Neo4JClusterRepository struct {
	client *Neo4JClient
	logger *logger.Logger
	exec   func(ctx context.Context, query string, params map[string]interface{}) error
}

// NewNeo4JClusterRepository creates a new Neo4J cluster repository
func NewNeo4JClusterRepository(client *Neo4JClient, logger *logger.Logger) repository.ClusterRepository {
	r := &Neo4JClusterRepository{
		client: client,
		logger: logger.WithComponent("neo4j-cluster-repo"),
	}
	r.exec = r.write
	return r
}

// UpsertClusters creates or updates cluster nodes in batches
func (r *Neo4JClusterRepository) UpsertClusters(ctx context.Context, clusters []entity.ClusterRecord) error {
	if len(clusters) == 0 {
		return nil
	}

	query := `
		UNWIND $clusters as c
		MERGE (n:Cluster {representative: c.representative})
		ON CREATE SET
			n.member_count = c.member_count,
			n.exchange = c.exchange,
			n.last_updated = datetime(c.last_updated)
		ON MATCH SET
			n.member_count = c.member_count,
			n.exchange = c.exchange,
			n.last_updated = datetime(c.last_updated)
	`

	err := forEachBatch(len(clusters), r.client.BatchSize(), func(start, end int) error {
		return r.exec(ctx, query, map[string]interface{}{"clusters": clusterRows(clusters[start:end])})
	})
	if err != nil {
		return fmt.Errorf("failed to upsert clusters: %w", err)
	}

	r.logger.Debug("Upserted clusters", zap.Int("count", len(clusters)))
	return nil
}

// UpsertMemberships moves addresses to the cluster of their current representative
func (r *Neo4JClusterRepository) UpsertMemberships(ctx context.Context, memberships []entity.ClusterMembership) error {
	if len(memberships) == 0 {
		return nil
	}

	query := `
		UNWIND $memberships as m
		MERGE (a:Address {address: m.address})
		MERGE (c:Cluster {representative: m.representative})
		WITH a, c
		OPTIONAL MATCH (a)-[old:MEMBER_OF]->(prev:Cluster)
		WHERE prev <> c
		DELETE old
		MERGE (a)-[:MEMBER_OF]->(c)
	`

	err := forEachBatch(len(memberships), r.client.BatchSize(), func(start, end int) error {
		return r.exec(ctx, query, map[string]interface{}{"memberships": membershipRows(memberships[start:end])})
	})
	if err != nil {
		return fmt.Errorf("failed to upsert memberships: %w", err)
	}

	r.logger.Debug("Upserted memberships", zap.Int("count", len(memberships)))
	return nil
}

// RetireClusters deletes absorbed cluster nodes by representative. A node that still has
// members is kept; its members have not been moved yet.
func (r *Neo4JClusterRepository) RetireClusters(ctx context.Context, representatives []string) error {
	if len(representatives) == 0 {
		return nil
	}

	query := `
		UNWIND $representatives as rep
		MATCH (c:Cluster {representative: rep})
		WHERE NOT (c)<-[:MEMBER_OF]-()
		DELETE c
	`

	err := forEachBatch(len(representatives), r.client.BatchSize(), func(start, end int) error {
		return r.exec(ctx, query, map[string]interface{}{"representatives": representatives[start:end]})
	})
	if err != nil {
		return fmt.Errorf("failed to retire clusters: %w", err)
	}

	r.logger.Debug("Retired absorbed clusters", zap.Int("count", len(representatives)))
	return nil
}

func (r *Neo4JClusterRepository) write(ctx context.Context, query string, params map[string]interface{}) error {
	session := r.client.NewSession(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

// forEachBatch calls fn with consecutive [start, end) ranges of at most size rows
func forEachBatch(n, size int, fn func(start, end int) error) error {
	for start := 0; start < n; start += size {
		if err := fn(start, min(start+size, n)); err != nil {
			return err
		}
	}
	return nil
}

func clusterRows(clusters []entity.ClusterRecord) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(clusters))
	for _, c := range clusters {
		rows = append(rows, map[string]interface{}{
			"representative": c.Representative,
			"member_count":   c.MemberCount,
			"exchange":       c.Exchange,
			"last_updated":   formatTime(c.LastUpdated),
		})
	}
	return rows
}

func membershipRows(memberships []entity.ClusterMembership) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(memberships))
	for _, m := range memberships {
		rows = append(rows, map[string]interface{}{
			"address":        m.Address,
			"representative": m.Representative,
		})
	}
	return rows
}

// formatTime formats the timestamp as ISO-8601 string for Neo4J
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
