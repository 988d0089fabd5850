package utilities

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// NewKSUID generates a new globally unique KSUID string. User ids use it
// because it is sortable by creation time and safe to expose.
func NewKSUID() string {
	return ksuid.New().String()
}

var (
	nodeMu sync.Mutex
	nodes  = map[int64]*snowflake.Node{}
)

// NewSnowflakeIDWithNode generates a snowflake ID string using the provided node ID.
// If the node cannot be initialized, it falls back to a KSUID string.
// Nodes are cached so ids from the same node stay monotonic.
func NewSnowflakeIDWithNode(nodeID int64) string {
	nodeMu.Lock()
	node, ok := nodes[nodeID]
	if !ok {
		var err error
		node, err = snowflake.NewNode(nodeID)
		if err != nil {
			nodeMu.Unlock()
			return NewKSUID()
		}
		nodes[nodeID] = node
	}
	nodeMu.Unlock()
	return node.Generate().String()
}
