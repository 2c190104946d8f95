// Package kernel holds the compute kernels that run against the slab: the
// batched lookup and probe, the scatter merge behind upserts, the tombstoning
// delete and the range bounds search.
//
// Every kernel locates keys with the same branch-free lower bound. The number
// of halving steps depends only on the searched length, so all lanes of a
// workgroup execute the same steps in lockstep.
package kernel

import "sync"

// DefaultWorkgroupSize is the number of lanes per workgroup
const DefaultWorkgroupSize = 64

// Steps returns the number of halving steps a search over n elements takes,
// ceil(log2(n))
func Steps(n uint32) int {
	steps := 0
	for n > 1 {
		n -= n / 2
		steps++
	}
	return steps
}

// LowerBound returns the first index in [0, n) whose key is not less than key,
// or n. Keys are read from arr at index*stride.
func LowerBound(arr []uint32, stride, n, key uint32) uint32 {
	var out [1]uint32
	LowerBoundLanes(arr, stride, n, []uint32{key}, out[:])
	return out[0]
}

// LowerBoundLanes runs one lower bound search per lane. Lanes advance together
// one halving step at a time; each step is a compare and a conditional add.
func LowerBoundLanes(arr []uint32, stride, n uint32, keys, out []uint32) {
	lanes := len(keys)
	out = out[:lanes]
	for l := range out {
		out[l] = 0
	}
	if n == 0 {
		return
	}
	size := n
	for size > 1 {
		half := size / 2
		for l := 0; l < lanes; l++ {
			out[l] += half * less(arr[(out[l]+half)*stride], keys[l])
		}
		size -= half
	}
	for l := 0; l < lanes; l++ {
		out[l] += less(arr[out[l]*stride], keys[l])
	}
}

func less(a, b uint32) uint32 {
	if a < b {
		return 1
	}
	return 0
}

var lanePool = sync.Pool{
	New: func() any {
		s := make([]uint32, 0, DefaultWorkgroupSize)
		return &s
	},
}

// laneScratch returns a pooled slice of n words
func laneScratch(n uint32) *[]uint32 {
	p := lanePool.Get().(*[]uint32)
	if uint32(cap(*p)) < n {
		*p = make([]uint32, n)
	}
	*p = (*p)[:n]
	return p
}

func releaseLanes(p ...*[]uint32) {
	for _, s := range p {
		lanePool.Put(s)
	}
}

// lanes returns the first global id of a workgroup and its number of active lanes
func lanes(id, size, total uint32) (first, active uint32) {
	first = id * size
	if first >= total {
		return first, 0
	}
	return first, min(size, total-first)
}
