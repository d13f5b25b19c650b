package types

// ShardID identifies an independently operated partition of the transaction
// space.
type ShardID string

// ShardStatus is the lifecycle state of a shard.
type ShardStatus string

const (
	ShardInitializing ShardStatus = "initializing"
	ShardActive       ShardStatus = "active"
	ShardTerminating  ShardStatus = "terminating"
	ShardInactive     ShardStatus = "inactive"
)

// NodeID identifies a node that can host shards.
type NodeID string

// NodeSpec describes the hardware class of a registered node.
type NodeSpec struct {
	ID       NodeID
	CPUCores int
	MemoryGB int
}

// IsHighSpec reports whether the node qualifies for high-load shards.
func (s NodeSpec) IsHighSpec() bool {
	return s.CPUCores >= 8 && s.MemoryGB >= 16
}

// ShardInfo is the registry's view of a single shard.
type ShardInfo struct {
	ID     ShardID     `cbor:"1,keyasint" json:"id"`
	Name   string      `cbor:"2,keyasint" json:"name"`
	Nodes  []NodeID    `cbor:"3,keyasint" json:"nodes"`
	Status ShardStatus `cbor:"4,keyasint" json:"status"`
	Load   float64     `cbor:"5,keyasint" json:"load"`
	TPS    float64     `cbor:"6,keyasint" json:"tps"`
	Height uint64      `cbor:"7,keyasint" json:"height"`
}

// HasNode reports whether the shard currently hosts the given node.
func (s *ShardInfo) HasNode(id NodeID) bool {
	for _, n := range s.Nodes {
		if n == id {
			return true
		}
	}
	return false
}
