package store

import (
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
)

func chunkOf(b byte) []byte {
	buf := make([]byte, ChunkSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestPutGetRoundTrip(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "inventory.db"))
	c.Assert(err, qt.IsNil)
	defer s.Close()

	digest := strings.Repeat("ab", 20)
	c.Assert(s.Put(digest, chunkOf(0x42)), qt.IsNil)

	got, ok, err := s.Get(digest)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.DeepEquals, chunkOf(0x42))
}

func TestGetMissing(t *testing.T) {
	c := qt.New(t)
	s, err := Open(filepath.Join(t.TempDir(), "inventory.db"))
	c.Assert(err, qt.IsNil)
	defer s.Close()

	_, ok, err := s.Get(strings.Repeat("00", 20))
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsFalse)
}

func TestPutRejectsWrongSize(t *testing.T) {
	c := qt.New(t)
	s, err := Open(filepath.Join(t.TempDir(), "inventory.db"))
	c.Assert(err, qt.IsNil)
	defer s.Close()

	err = s.Put(strings.Repeat("11", 20), []byte("too short"))
	c.Assert(err, qt.ErrorMatches, ".*length.*")
}

func TestPutSetAndReopenRoundTrip(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "output.db")
	s, err := Open(path)
	c.Assert(err, qt.IsNil)

	chunks := map[string][]byte{
		strings.Repeat("aa", 20): chunkOf(1),
		strings.Repeat("bb", 20): chunkOf(2),
	}
	c.Assert(s.PutSet(chunks), qt.IsNil)
	n, err := s.Len()
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)
	c.Assert(s.Close(), qt.IsNil)

	// A peer that completed this download reopens the same file as its
	// own inventory: round-trip fidelity.
	reopened, err := Open(path)
	c.Assert(err, qt.IsNil)
	defer reopened.Close()
	for digest, want := range chunks {
		got, ok, err := reopened.Get(digest)
		c.Assert(err, qt.IsNil)
		c.Assert(ok, qt.IsTrue)
		c.Assert(got, qt.DeepEquals, want)
	}
}
