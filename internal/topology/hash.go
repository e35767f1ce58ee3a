package topology

import (
	"github.com/twmb/murmur3"
)

// HashPartitionKey maps a partition key onto the 32-bit hash space that
// partition key ranges are cut from.
func HashPartitionKey(key string) uint64 {
	return uint64(murmur3.Sum32([]byte(key)))
}
