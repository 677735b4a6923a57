// Package cluster carries the MembershipView snapshot that the core
// consumes from its external collaborator: cluster membership, gossip,
// and the node registry (etcd, Redis, memberlist, ...) are explicitly out
// of scope for this module (spec section 1). The core only ever sees an
// immutable snapshot of who is in the cluster and treats membership
// changes as "a new snapshot was installed," per spec section 9's
// "Global state" design note.
package cluster

import "sort"

// Node is one member of the cluster as seen by the core. Everything
// about how nodes are discovered, health-checked, or removed lives
// outside this module.
type Node struct {
	ID      string
	Address string
}

// MembershipView is an immutable snapshot of cluster topology. A new
// view is installed atomically; in-flight operations keep using the view
// they started with.
type MembershipView struct {
	Nodes             []Node
	SlotCount         int
	ReplicationFactor int
}

// NewMembershipView validates and sorts nodes by ID so that slot-to-node
// rotation (see Replicas) is deterministic across the whole cluster.
func NewMembershipView(nodes []Node, slotCount, replicationFactor int) *MembershipView {
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &MembershipView{
		Nodes:             sorted,
		SlotCount:         slotCount,
		ReplicationFactor: replicationFactor,
	}
}

// Replicas returns the ordered replica set for slotID: nodes sorted by
// ID, rotated by slotID mod N, truncated to min(replication_factor, N).
// The first entry is the canonical primary for the slot, but per spec
// section 4.1 it has no exclusive authority over ingress.
func (v *MembershipView) Replicas(slotID int) []Node {
	n := len(v.Nodes)
	if n == 0 {
		return nil
	}
	rf := v.ReplicationFactor
	if rf > n {
		rf = n
	}
	start := slotID % n
	out := make([]Node, 0, rf)
	for i := 0; i < rf; i++ {
		out = append(out, v.Nodes[(start+i)%n])
	}
	return out
}

// NodeByID looks up a node by id within the snapshot.
func (v *MembershipView) NodeByID(id string) (Node, bool) {
	for _, n := range v.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Quorum returns W = floor(N/2)+1 for a replica set of size n.
func Quorum(n int) int {
	return n/2 + 1
}
