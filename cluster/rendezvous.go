// Package cluster implements the distributed variant of the file state
// cache: a path is physically owned by exactly one node (computed by
// rendezvous hashing over the current membership) but observable from
// any node via remote task dispatch, a bounded near cache, and a pub/sub
// invalidation topic.
package cluster

import "hash/fnv"

// rendezvousOwner implements highest-random-weight hashing: the member
// whose combined hash with key is largest owns the key. Unlike modulo
// hashing, a membership change only remaps the keys owned by the
// member that joined or left.
func rendezvousOwner(members []string, key string) string {
	if len(members) == 0 {
		return ""
	}
	var best string
	var bestWeight uint64
	for _, m := range members {
		w := weight(m, key)
		if best == "" || w > bestWeight {
			best = m
			bestWeight = w
		}
	}
	return best
}

func weight(member, key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(member))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return h.Sum64()
}
