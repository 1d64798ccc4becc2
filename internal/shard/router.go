// Package shard maps room ids onto the fixed set of durable queues.
// The mapping is pure and deterministic; it must stay stable for the
// lifetime of a deployment because queues are declared per shard index.
package shard

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strconv"
)

// Index returns the shard a room belongs to, in [0, numShards).
//
// The room id's decimal string form is hashed with SHA-256 and the full
// digest is reduced modulo numShards. SHA-256 keeps the distribution
// close to uniform for any realistic room-id population.
func Index(roomID int64, numShards int) int {
	sum := sha256.Sum256([]byte(strconv.FormatInt(roomID, 10)))
	h := new(big.Int).SetBytes(sum[:])
	return int(h.Mod(h, big.NewInt(int64(numShards))).Int64())
}

// RoutingKey is the binding key for a shard on the shared direct exchange.
func RoutingKey(index int) string {
	return fmt.Sprintf("shard.%d", index)
}

// QueueName is the durable queue a shard's consumer worker drains.
func QueueName(index int) string {
	return fmt.Sprintf("list_updates_shard_%d", index)
}

// Channel is the pub/sub channel name for a room's transient event stream.
func Channel(roomID int64) string {
	return fmt.Sprintf("room.%d", roomID)
}
