package entity

import (
	"time"
)

// ClusterRecord is the persisted view of an entity cluster
type ClusterRecord struct {
	Representative string    `json:"representative"`
	MemberCount    int64     `json:"member_count"`
	Exchange       bool      `json:"exchange"` // cluster contains a known exchange address
	LastUpdated    time.Time `json:"last_updated"`
}

// ClusterMembership links an address to the representative of its cluster
type ClusterMembership struct {
	Address        string `json:"address"`
	Representative string `json:"representative"`
}

// ClusterChanges is what the resolver hands to the cluster store after a block. Every member
// of an absorbed cluster appears in Memberships; Retired lists the representatives that no
// longer head a cluster.
type ClusterChanges struct {
	Records     []ClusterRecord
	Memberships []ClusterMembership
	Retired     []string
}

// Empty reports whether there is nothing to persist
func (c ClusterChanges) Empty() bool {
	return len(c.Records) == 0 && len(c.Memberships) == 0 && len(c.Retired) == 0
}

// ClusterStats summarizes one cluster
type ClusterStats struct {
	Representative string `json:"representative"`
	Size           int64  `json:"size"`
	MemberCount    int64  `json:"member_count"`
	Exchange       bool   `json:"exchange"`
}

// ResolverStats summarizes the whole disjoint-set forest
type ResolverStats struct {
	Addresses        int64  `json:"addresses"`
	Clusters         int64  `json:"clusters"`
	LargestCluster   int64  `json:"largest_cluster"`
	LargestRep       string `json:"largest_representative"`
	ExchangeClusters int64  `json:"exchange_clusters"`
}
