package chunkorder

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestRarestFirstOrdering(t *testing.T) {
	c := qt.New(t)
	o := New()
	o.Upsert(Item{OutputPath: "out", Digest: "plentiful", HolderCount: 5})
	o.Upsert(Item{OutputPath: "out", Digest: "rare", HolderCount: 1})
	o.Upsert(Item{OutputPath: "out", Digest: "middling", HolderCount: 3})

	var seen []string
	o.Scan(func(it Item) bool {
		seen = append(seen, it.Digest)
		return true
	})
	c.Assert(seen, qt.DeepEquals, []string{"rare", "middling", "plentiful"})
}

func TestDeleteRemovesItem(t *testing.T) {
	c := qt.New(t)
	o := New()
	item := Item{OutputPath: "out", Digest: "x", HolderCount: 2}
	o.Upsert(item)
	c.Assert(o.Len(), qt.Equals, 1)
	o.Delete(item)
	c.Assert(o.Len(), qt.Equals, 0)
}

func TestScanStopsEarly(t *testing.T) {
	c := qt.New(t)
	o := New()
	for i, d := range []string{"a", "b", "c"} {
		o.Upsert(Item{OutputPath: "out", Digest: d, HolderCount: i})
	}
	var seen int
	o.Scan(func(Item) bool {
		seen++
		return seen < 2
	})
	c.Assert(seen, qt.Equals, 2)
}
