package kernel

import (
	"sync/atomic"

	"github.com/KevoDB/slabkv/pkg/device"
	"github.com/KevoDB/slabkv/pkg/entry"
)

const tombstone = uint32(entry.Tombstone)

// Probe status values
const (
	StatusAbsent     uint32 = 0
	StatusLive       uint32 = 1
	StatusTombstoned uint32 = 2
)

// Lookup resolves a key batch against the slab.
//
// Bindings: 0 slab entries, 1 slab meta {used, ...}, 2 keys, 3 params {len},
// 4 results, two words {value, found} per key in input order.
type Lookup struct {
	Width uint32
}

func (k Lookup) Name() string          { return "lookup" }
func (k Lookup) WorkgroupSize() uint32 { return width(k.Width) }

func (k Lookup) Execute(wg *device.Workgroup) {
	slab, used := wg.Binding(0), wg.Binding(1)[0]
	keys, n := wg.Binding(2), wg.Binding(3)[0]
	out := wg.Binding(4)

	first, active := lanes(wg.ID, wg.Size, n)
	if active == 0 {
		return
	}
	batch := keys[first : first+active]
	pos := laneScratch(active)
	defer releaseLanes(pos)
	LowerBoundLanes(slab, entry.WordsPerEntry, used, batch, *pos)

	for l, p := range *pos {
		dst := (first + uint32(l)) * 2
		if p < used && slab[2*p] == batch[l] && slab[2*p+1] != tombstone {
			out[dst], out[dst+1] = slab[2*p+1], 1
		} else {
			out[dst], out[dst+1] = 0, 0
		}
	}
}

// Probe locates each key of a batch and reports its slot and status. Upserts
// use it to count new keys and revived tombstones before merging.
//
// Bindings: 0 slab entries, 1 slab meta, 2 keys, 3 params {len},
// 4 results, two words {slot, status} per key.
type Probe struct {
	Width uint32
}

func (k Probe) Name() string          { return "probe" }
func (k Probe) WorkgroupSize() uint32 { return width(k.Width) }

func (k Probe) Execute(wg *device.Workgroup) {
	slab, used := wg.Binding(0), wg.Binding(1)[0]
	keys, n := wg.Binding(2), wg.Binding(3)[0]
	out := wg.Binding(4)

	first, active := lanes(wg.ID, wg.Size, n)
	if active == 0 {
		return
	}
	batch := keys[first : first+active]
	pos := laneScratch(active)
	defer releaseLanes(pos)
	LowerBoundLanes(slab, entry.WordsPerEntry, used, batch, *pos)

	for l, p := range *pos {
		dst := (first + uint32(l)) * 2
		status := StatusAbsent
		if p < used && slab[2*p] == batch[l] {
			status = StatusLive
			if slab[2*p+1] == tombstone {
				status = StatusTombstoned
			}
		}
		out[dst], out[dst+1] = p, status
	}
}

// Delete tombstones live entries matching a deduplicated key batch and counts
// them in a device counter.
//
// Bindings: 0 slab entries (written), 1 slab meta, 2 keys,
// 3 params {len, deleted counter}.
type Delete struct {
	Width uint32
}

func (k Delete) Name() string          { return "delete" }
func (k Delete) WorkgroupSize() uint32 { return width(k.Width) }

func (k Delete) Execute(wg *device.Workgroup) {
	slab, used := wg.Binding(0), wg.Binding(1)[0]
	keys, params := wg.Binding(2), wg.Binding(3)
	n := params[0]

	first, active := lanes(wg.ID, wg.Size, n)
	if active == 0 {
		return
	}
	batch := keys[first : first+active]
	pos := laneScratch(active)
	defer releaseLanes(pos)
	LowerBoundLanes(slab, entry.WordsPerEntry, used, batch, *pos)

	var deleted uint32
	for l, p := range *pos {
		if p < used && slab[2*p] == batch[l] && slab[2*p+1] != tombstone {
			slab[2*p+1] = tombstone
			deleted++
		}
	}
	if deleted > 0 {
		atomic.AddUint32(&params[1], deleted)
	}
}

// Merge scatters the used slab range and a sorted entry batch into the
// scratch buffer in key order. Slab entries whose key is in the batch are
// dropped and the batch value takes their slot.
//
// Invocations cover used+n lanes: slab lane i writes to
// i + prefix[lb_batch(key_i)], batch lane j to lb_slab(key_j) + prefix[j],
// where prefix[j] counts batch keys before j that are absent from the slab.
//
// Bindings: 0 slab entries, 1 slab meta, 2 sorted batch entries,
// 3 prefix (n+1 words), 4 params {n}, 5 scratch entries (written).
type Merge struct {
	Width uint32
}

func (k Merge) Name() string          { return "merge" }
func (k Merge) WorkgroupSize() uint32 { return width(k.Width) }

func (k Merge) Execute(wg *device.Workgroup) {
	slab, used := wg.Binding(0), wg.Binding(1)[0]
	batch, prefix := wg.Binding(2), wg.Binding(3)
	n := wg.Binding(4)[0]
	scratch := wg.Binding(5)

	first, active := lanes(wg.ID, wg.Size, used+n)
	if active == 0 {
		return
	}
	end := first + active

	// slab lanes [first, min(end, used))
	if first < used {
		hi := min(end, used)
		cnt := hi - first
		keys := laneScratch(cnt)
		pos := laneScratch(cnt)
		defer releaseLanes(keys, pos)
		for l := range *keys {
			(*keys)[l] = slab[2*(first+uint32(l))]
		}
		LowerBoundLanes(batch, entry.WordsPerEntry, n, *keys, *pos)
		for l, j := range *pos {
			i := first + uint32(l)
			if j < n && batch[2*j] == (*keys)[l] {
				continue
			}
			dst := i + prefix[j]
			scratch[2*dst], scratch[2*dst+1] = slab[2*i], slab[2*i+1]
		}
	}

	// batch lanes [max(first, used), end) shifted by used
	if end > used {
		lo := max(first, used) - used
		cnt := end - used - lo
		keys := laneScratch(cnt)
		pos := laneScratch(cnt)
		defer releaseLanes(keys, pos)
		for l := range *keys {
			(*keys)[l] = batch[2*(lo+uint32(l))]
		}
		LowerBoundLanes(slab, entry.WordsPerEntry, used, *keys, *pos)
		for l, p := range *pos {
			j := lo + uint32(l)
			dst := p + prefix[j]
			scratch[2*dst], scratch[2*dst+1] = batch[2*j], batch[2*j+1]
		}
	}
}

// RangeBounds computes the used-slot interval [start, end) holding keys in
// [from, to). It runs as a single workgroup of one lane.
//
// Bindings: 0 slab entries, 1 slab meta, 2 params {from, to}, 3 results {start, end}.
type RangeBounds struct{}

func (RangeBounds) Name() string          { return "range_bounds" }
func (RangeBounds) WorkgroupSize() uint32 { return 1 }

func (RangeBounds) Execute(wg *device.Workgroup) {
	slab, used := wg.Binding(0), wg.Binding(1)[0]
	params, out := wg.Binding(2), wg.Binding(3)
	if wg.ID != 0 {
		return
	}
	LowerBoundLanes(slab, entry.WordsPerEntry, used, params[:2], out[:2])
}

func width(w uint32) uint32 {
	if w == 0 {
		return DefaultWorkgroupSize
	}
	return w
}
