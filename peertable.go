package chunkpeer

import (
	"fmt"
	"net"
)

// PeerID identifies a peer in the roster. Zero is never a valid id.
type PeerID uint32

// PeerRecord is one (id, host, port) entry from the roster. Immutable after
// startup.
type PeerRecord struct {
	ID   PeerID
	Host string
	Port int
}

// Addr renders the record's dialable UDP address.
func (p PeerRecord) Addr() string {
	return net.JoinHostPort(p.Host, fmt.Sprint(p.Port))
}

// PeerTable is the immutable-after-startup roster. It holds no chunk
// inventory and does not load anything from disk — that's the CLI layer's
// job; PeerTable only holds already-parsed data.
type PeerTable struct {
	Self  PeerID
	peers map[PeerID]PeerRecord
	order []PeerID // roster file order, for deterministic broadcast order
}

// NewPeerTable builds a PeerTable from a parsed roster. self must appear in
// records and must be nonzero; NewPeerTable returns an error otherwise,
// matching the startup validation failure mode in spec.md §6/§7.
func NewPeerTable(self PeerID, records []PeerRecord) (*PeerTable, error) {
	if self == 0 {
		return nil, fmt.Errorf("chunkpeer: peer id must be nonzero")
	}
	t := &PeerTable{
		Self:  self,
		peers: make(map[PeerID]PeerRecord, len(records)),
	}
	found := false
	for _, r := range records {
		t.peers[r.ID] = r
		t.order = append(t.order, r.ID)
		if r.ID == self {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("chunkpeer: peer id %d not found in roster", self)
	}
	return t, nil
}

// SelfRecord returns this peer's own roster entry.
func (t *PeerTable) SelfRecord() PeerRecord {
	return t.peers[t.Self]
}

// Lookup returns the record for id, if present.
func (t *PeerTable) Lookup(id PeerID) (PeerRecord, bool) {
	r, ok := t.peers[id]
	return r, ok
}

// Others returns every roster entry except Self, in roster file order.
func (t *PeerTable) Others() []PeerRecord {
	out := make([]PeerRecord, 0, len(t.order))
	for _, id := range t.order {
		if id == t.Self {
			continue
		}
		out = append(out, t.peers[id])
	}
	return out
}

// byAddr indexes peers by their dialable address, mapping a remote address
// back to a peer id for AddrIsKnown.
func (t *PeerTable) byAddr() map[string]PeerID {
	m := make(map[string]PeerID, len(t.peers))
	for id, r := range t.peers {
		m[r.Addr()] = id
	}
	return m
}

// AddrIsKnown reports whether addr belongs to some peer in the roster.
func (t *PeerTable) AddrIsKnown(addr string) (PeerID, bool) {
	id, ok := t.byAddr()[addr]
	return id, ok
}
