package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
)

// ClusterView is the read side of the entity resolver used by the classifiers
type ClusterView interface {
	Find(address string) (string, bool)
	Connected(a, b string) bool
	IsExchangeControlled(address string) bool
}

// EntityResolver clusters addresses with the multi-input heuristic. Addresses get an integer
// id on first sight; parent, size and exchange flags live in flat slices indexed by that id.
// next links the members of each cluster into a ring so a merge can re-emit the absorbed side.
// Every exported method holds the mutex for a single find/union, so callers may share the
// resolver, but unions are expected to be applied from one goroutine.
type EntityResolver struct {
	mu sync.Mutex

	ids      map[string]uint32
	addrs    []string
	parent   []uint32
	size     []uint32
	next     []uint32
	exchange []bool      // meaningful at roots only
	updated  []time.Time // meaningful at roots only

	clusters         int64
	exchangeClusters int64
	largest          uint32 // root of the largest cluster

	dirty   map[uint32]struct{}
	retired map[uint32]struct{} // roots absorbed since the last flush
	exchDir ExchangeDirectory
}

// NewEntityResolver creates an empty resolver. Addresses known to the directory mark their
// cluster as exchange-controlled when first seen.
func NewEntityResolver(exchanges ExchangeDirectory) *EntityResolver {
	return &EntityResolver{
		ids:     make(map[string]uint32),
		dirty:   make(map[uint32]struct{}),
		retired: make(map[uint32]struct{}),
		exchDir: exchanges,
	}
}

// ProcessInputs unions every input address of the transaction. Outputs are never touched.
// Single-input transactions only register the address.
func (r *EntityResolver) ProcessInputs(tx *entity.RawTransaction) {
	addrs := tx.InputAddresses()
	if len(addrs) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	first := r.idOf(addrs[0])
	r.touch(first, tx.ObservedAt)
	for _, addr := range addrs[1:] {
		r.union(first, r.idOf(addr), tx.ObservedAt)
	}
}

// Union merges the clusters of a and b and returns the resulting representative
func (r *EntityResolver) Union(a, b string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	root := r.union(r.idOf(a), r.idOf(b), time.Time{})
	return r.addrs[root]
}

// Find returns the representative of the address's cluster. Unknown addresses are their own
// representative and are not registered.
func (r *EntityResolver) Find(address string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ids[address]
	if !ok {
		return address, false
	}
	return r.addrs[r.find(id)], true
}

// Connected reports whether both addresses are known and share a cluster
func (r *EntityResolver) Connected(a, b string) bool {
	if a == b {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ia, ok := r.ids[a]
	if !ok {
		return false
	}
	ib, ok := r.ids[b]
	if !ok {
		return false
	}
	return r.find(ia) == r.find(ib)
}

// IsExchangeControlled reports whether the address's cluster contains a known exchange address
func (r *EntityResolver) IsExchangeControlled(address string) bool {
	r.mu.Lock()
	id, ok := r.ids[address]
	if ok {
		flag := r.exchange[r.find(id)]
		r.mu.Unlock()
		return flag
	}
	r.mu.Unlock()

	return r.exchDir != nil && r.exchDir.IsExchangeAddress(address)
}

// ClusterStats returns the size of the cluster the representative (or any member) belongs to
func (r *EntityResolver) ClusterStats(representative string) (entity.ClusterStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ids[representative]
	if !ok {
		return entity.ClusterStats{}, false
	}
	root := r.find(id)
	return entity.ClusterStats{
		Representative: r.addrs[root],
		Size:           int64(r.size[root]),
		MemberCount:    int64(r.size[root]),
		Exchange:       r.exchange[root],
	}, true
}

// Len returns the number of distinct addresses seen
func (r *EntityResolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.addrs)
}

// Partition returns address -> representative for every known address
func (r *EntityResolver) Partition() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.addrs))
	for id, addr := range r.addrs {
		out[addr] = r.addrs[r.find(uint32(id))]
	}
	return out
}

// Stats summarizes the forest. The counters are maintained on every union.
func (r *EntityResolver) Stats() entity.ResolverStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := entity.ResolverStats{
		Addresses:        int64(len(r.addrs)),
		Clusters:         r.clusters,
		ExchangeClusters: r.exchangeClusters,
	}
	if len(r.addrs) > 0 {
		stats.LargestCluster = int64(r.size[r.largest])
		stats.LargestRep = r.addrs[r.largest]
	}
	return stats
}

// DirtyClusters returns the changes since the previous call and resets them. Records and
// memberships are sorted by representative and address, retired representatives by name.
func (r *EntityResolver) DirtyClusters() entity.ClusterChanges {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes entity.ClusterChanges
	roots := make(map[uint32]struct{})
	changes.Memberships = make([]entity.ClusterMembership, 0, len(r.dirty))
	for id := range r.dirty {
		root := r.find(id)
		roots[root] = struct{}{}
		changes.Memberships = append(changes.Memberships, entity.ClusterMembership{
			Address:        r.addrs[id],
			Representative: r.addrs[root],
		})
	}

	changes.Records = make([]entity.ClusterRecord, 0, len(roots))
	for root := range roots {
		changes.Records = append(changes.Records, entity.ClusterRecord{
			Representative: r.addrs[root],
			MemberCount:    int64(r.size[root]),
			Exchange:       r.exchange[root],
			LastUpdated:    r.updated[root],
		})
	}
	for id := range r.retired {
		changes.Retired = append(changes.Retired, r.addrs[id])
	}
	r.dirty = make(map[uint32]struct{})
	r.retired = make(map[uint32]struct{})

	sort.Slice(changes.Records, func(i, j int) bool {
		return changes.Records[i].Representative < changes.Records[j].Representative
	})
	sort.Slice(changes.Memberships, func(i, j int) bool {
		return changes.Memberships[i].Address < changes.Memberships[j].Address
	})
	sort.Strings(changes.Retired)
	return changes
}

// Verify checks the paths of every address touched since the last flush: parent pointers in
// range, no cycles, exchange addresses under a flagged root, root sizes within the arena.
// Its cost follows the touched set, not the forest.
func (r *EntityResolver) Verify() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.verifyArena(); err != nil {
		return err
	}
	for id := range r.dirty {
		if err := r.verifyPath(id); err != nil {
			return err
		}
	}
	for id := range r.retired {
		if r.parent[id] == id {
			return fmt.Errorf("%w: retired cluster %s is still a root", entity.ErrClusterInvariant, r.addrs[id])
		}
	}
	return nil
}

// VerifyAll walks the whole forest and also checks that every root size matches its
// member ring and the actual member count
func (r *EntityResolver) VerifyAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.verifyArena(); err != nil {
		return err
	}
	n := len(r.parent)
	members := make(map[uint32]uint32)
	for id := 0; id < n; id++ {
		if err := r.verifyPath(uint32(id)); err != nil {
			return err
		}
		members[r.rootOf(uint32(id))]++
	}

	var clusters int64
	for root, count := range members {
		clusters++
		if r.size[root] != count {
			return fmt.Errorf("%w: root %s size %d but %d members", entity.ErrClusterInvariant, r.addrs[root], r.size[root], count)
		}
		ring := uint32(1)
		for cur := r.next[root]; cur != root; cur = r.next[cur] {
			ring++
			if ring > count {
				break
			}
		}
		if ring != count {
			return fmt.Errorf("%w: root %s ring holds %d of %d members", entity.ErrClusterInvariant, r.addrs[root], ring, count)
		}
	}
	if clusters != r.clusters {
		return fmt.Errorf("%w: %d roots but %d clusters counted", entity.ErrClusterInvariant, clusters, r.clusters)
	}
	for addr, id := range r.ids {
		if int(id) >= n || r.addrs[id] != addr {
			return fmt.Errorf("%w: id map out of sync for %s", entity.ErrClusterInvariant, addr)
		}
	}
	return nil
}

func (r *EntityResolver) verifyArena() error {
	n := len(r.parent)
	if len(r.addrs) != n || len(r.size) != n || len(r.next) != n || len(r.exchange) != n || len(r.updated) != n || len(r.ids) != n {
		return fmt.Errorf("%w: arena length mismatch", entity.ErrClusterInvariant)
	}
	return nil
}

// verifyPath follows the parent chain of id without compressing it
func (r *EntityResolver) verifyPath(id uint32) error {
	n := len(r.parent)
	if int(id) >= n {
		return fmt.Errorf("%w: id %d out of range", entity.ErrClusterInvariant, id)
	}
	cur := id
	for steps := 0; r.parent[cur] != cur; steps++ {
		next := r.parent[cur]
		if int(next) >= n {
			return fmt.Errorf("%w: parent %d of %d out of range", entity.ErrClusterInvariant, next, cur)
		}
		if steps > n {
			return fmt.Errorf("%w: cycle reached from %s", entity.ErrClusterInvariant, r.addrs[id])
		}
		cur = next
	}
	if r.size[cur] == 0 || int(r.size[cur]) > n {
		return fmt.Errorf("%w: root %s has size %d", entity.ErrClusterInvariant, r.addrs[cur], r.size[cur])
	}
	if r.exchDir != nil && r.exchDir.IsExchangeAddress(r.addrs[id]) && !r.exchange[cur] {
		return fmt.Errorf("%w: exchange address %s in unflagged cluster", entity.ErrClusterInvariant, r.addrs[id])
	}
	return nil
}

// rootOf is find without path halving, for read-only walks
func (r *EntityResolver) rootOf(id uint32) uint32 {
	for r.parent[id] != id {
		id = r.parent[id]
	}
	return id
}

func (r *EntityResolver) idOf(address string) uint32 {
	if id, ok := r.ids[address]; ok {
		return id
	}
	id := uint32(len(r.addrs))
	exchange := r.exchDir != nil && r.exchDir.IsExchangeAddress(address)
	r.ids[address] = id
	r.addrs = append(r.addrs, address)
	r.parent = append(r.parent, id)
	r.size = append(r.size, 1)
	r.next = append(r.next, id)
	r.exchange = append(r.exchange, exchange)
	r.updated = append(r.updated, time.Time{})
	r.dirty[id] = struct{}{}

	r.clusters++
	if exchange {
		r.exchangeClusters++
	}
	return id
}

// find uses path halving
func (r *EntityResolver) find(id uint32) uint32 {
	for r.parent[id] != id {
		r.parent[id] = r.parent[r.parent[id]]
		id = r.parent[id]
	}
	return id
}

func (r *EntityResolver) union(a, b uint32, at time.Time) uint32 {
	ra, rb := r.find(a), r.find(b)
	if ra == rb {
		return ra
	}

	// union by size; ties keep the older id as root
	if r.size[ra] < r.size[rb] || (r.size[ra] == r.size[rb] && rb < ra) {
		ra, rb = rb, ra
	}

	// every member of the absorbed cluster changes representative
	r.dirty[rb] = struct{}{}
	for cur := r.next[rb]; cur != rb; cur = r.next[cur] {
		r.dirty[cur] = struct{}{}
	}
	r.retired[rb] = struct{}{}
	r.next[ra], r.next[rb] = r.next[rb], r.next[ra]

	r.parent[rb] = ra
	r.size[ra] += r.size[rb]
	r.clusters--
	if r.exchange[ra] && r.exchange[rb] {
		r.exchangeClusters--
	}
	r.exchange[ra] = r.exchange[ra] || r.exchange[rb]
	if r.updated[rb].After(r.updated[ra]) {
		r.updated[ra] = r.updated[rb]
	}
	if r.size[ra] > r.size[r.largest] || r.largest == rb {
		r.largest = ra
	}
	r.dirty[a] = struct{}{}
	r.dirty[b] = struct{}{}
	r.touch(ra, at)
	return ra
}

func (r *EntityResolver) touch(id uint32, at time.Time) {
	root := r.find(id)
	if at.After(r.updated[root]) {
		r.updated[root] = at
		r.dirty[id] = struct{}{}
	}
}
