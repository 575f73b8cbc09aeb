package chunkpeer

import (
	"github.com/elliotchance/orderedmap"
)

// State is the lifecycle stage of a Download task (spec.md §3).
type State int

const (
	Discovering State = iota
	Transferring
	Done
)

func (s State) String() string {
	switch s {
	case Discovering:
		return "discovering"
	case Transferring:
		return "transferring"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Download is the state of one DOWNLOAD command: which chunks are still
// needed, which peers are believed to hold each, and what's been received
// so far. Receive connections never hold a pointer back into a Download;
// they store OutputPath, the map key the session manager uses to look the
// owning Download back up (spec.md §9, arena-plus-index ownership).
type Download struct {
	OutputPath string
	Remaining  map[string]struct{}
	Received   map[string][]byte
	Holders    map[string]*orderedmap.OrderedMap
	State      State
}

func newDownload(outputPath string, digests []string) *Download {
	remaining := make(map[string]struct{}, len(digests))
	for _, d := range digests {
		remaining[d] = struct{}{}
	}
	return &Download{
		OutputPath: outputPath,
		Remaining:  remaining,
		Received:   make(map[string][]byte),
		Holders:    make(map[string]*orderedmap.OrderedMap),
		State:      Discovering,
	}
}

// addHolder records addr as a believed holder of digest, preserving
// IHAVE-arrival order. Returns true if addr was newly added.
func (d *Download) addHolder(digest, addr string) bool {
	om, ok := d.Holders[digest]
	if !ok {
		om = orderedmap.NewOrderedMap()
		d.Holders[digest] = om
	}
	if _, exists := om.Get(addr); exists {
		return false
	}
	om.Set(addr, struct{}{})
	return true
}

// removeHolder drops addr from digest's holder set, used on stall or DENIED.
func (d *Download) removeHolder(digest, addr string) {
	if om, ok := d.Holders[digest]; ok {
		om.Delete(addr)
	}
}

// holderAddrs returns digest's known holders in IHAVE-arrival order.
func (d *Download) holderAddrs(digest string) []string {
	om, ok := d.Holders[digest]
	if !ok {
		return nil
	}
	out := make([]string, 0, om.Len())
	for el := om.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key.(string))
	}
	return out
}

// holderCount is the scarcity signal the scheduler ranks chunks by.
func (d *Download) holderCount(digest string) int {
	om, ok := d.Holders[digest]
	if !ok {
		return 0
	}
	return om.Len()
}

// needs reports whether digest is still outstanding for this download.
func (d *Download) needs(digest string) bool {
	_, ok := d.Remaining[digest]
	return ok
}

func (d *Download) isEmpty() bool {
	return len(d.Remaining) == 0
}
