// Package chunkorder maintains the scheduler's "rarest chunk first"
// ordering: the set of still-needed chunks across all active downloads,
// ordered ascending by how many known holders each chunk has. It is the
// chunk-transfer analogue of the teacher's piece-request-order btree.
package chunkorder

import (
	"strings"

	"github.com/ajwerner/btree"
	"github.com/anacrolix/multiless"
)

// Item is one entry in the order: a chunk, identified by its hex digest and
// the download that still needs it, annotated with how many holders it
// currently has. Fewer holders sorts first (scarcer chunks are scheduled
// before plentiful ones).
type Item struct {
	OutputPath  string // identifies the owning download task
	Digest      string
	HolderCount int
}

func less(a, b Item) int {
	if c := multiless.New().
		Int64(int64(a.HolderCount), int64(b.HolderCount)).
		OrderingInt(); c != 0 {
		return c
	}
	if c := strings.Compare(a.Digest, b.Digest); c != 0 {
		return c
	}
	return strings.Compare(a.OutputPath, b.OutputPath)
}

// Order is a btree-backed ordered set of Items, rarest-holder-count first.
type Order struct {
	tree btree.Set[Item]
}

// New returns an empty Order.
func New() *Order {
	return &Order{tree: btree.MakeSet(less)}
}

// Upsert inserts item, replacing any existing entry with the same
// (OutputPath, Digest) key combination (the comparator treats differing
// HolderCount as a different sort position, so callers must Delete the old
// entry before Upsert-ing a changed HolderCount for the same chunk).
func (o *Order) Upsert(item Item) {
	o.tree.Upsert(item)
}

// Delete removes item if present.
func (o *Order) Delete(item Item) {
	o.tree.Delete(item)
}

// Scan walks items in rarest-first order, stopping early if f returns false.
func (o *Order) Scan(f func(Item) bool) {
	it := o.tree.Iterator()
	for it.First(); it.Valid(); it.Next() {
		if !f(it.Cur()) {
			return
		}
	}
}

// Len reports the number of items currently tracked.
func (o *Order) Len() int {
	n := 0
	o.Scan(func(Item) bool {
		n++
		return true
	})
	return n
}
