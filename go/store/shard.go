package store

import (
	"github.com/minio/highwayhash"
)

const numShards = 16

// shardKey is a fixed 32-byte all-zero key. The tender-id set is an
// in-process performance aid, not a security boundary, so a fixed key is
// fine; highwayhash is used here purely for its speed at bucketing ids
// across shards for IDSet's fast-path membership test (spec §4.2.a step 5).
// IDSet holds no lock and is not safe for concurrent use: each portal run
// owns its own set (spec §9 "replace thread-shared dictionaries guarded by
// ad-hoc locks").
var shardKey = make([]byte, 32)

func shardOf(id string) int {
	sum := highwayhash.Sum64([]byte(id), shardKey)
	return int(sum % numShards)
}

// IDSet is a sharded set of canonical tender ids, used as the fast-path
// dedup filter C3 holds in memory for one portal run.
type IDSet struct {
	shards [numShards]map[string]struct{}
}

// NewIDSet builds an IDSet preloaded with ids.
func NewIDSet(ids []string) *IDSet {
	s := &IDSet{}
	for i := range s.shards {
		s.shards[i] = make(map[string]struct{})
	}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s *IDSet) Add(id string) {
	s.shards[shardOf(id)][id] = struct{}{}
}

func (s *IDSet) Contains(id string) bool {
	_, ok := s.shards[shardOf(id)][id]
	return ok
}

func (s *IDSet) Len() int {
	n := 0
	for _, shard := range s.shards {
		n += len(shard)
	}
	return n
}

// All returns every id currently in the set, in no particular order.
func (s *IDSet) All() []string {
	out := make([]string, 0, s.Len())
	for _, shard := range s.shards {
		for id := range shard {
			out = append(out, id)
		}
	}
	return out
}
