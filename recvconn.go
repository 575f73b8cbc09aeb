package chunkpeer

import (
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/dannyzb/chunkpeer/store"
)

// maxOutOfOrderBuffer bounds the receive connection's out-of-order buffer
// (spec.md §3: "bounded"); excess arrivals are dropped silently.
const maxOutOfOrderBuffer = 64

// stallTimeout is the fixed idle threshold after which a receive connection
// is considered stalled (spec.md §4.4, §5).
const stallTimeout = 5 * time.Second

// recvConn is one in-progress fetch of a single chunk from a single remote
// holder. It stores the owning download by key (OutputPath), never by
// pointer (spec.md §9).
type recvConn struct {
	RemoteAddr   string
	OutputPath   string
	Digest       string
	ExpectedSeq  uint32
	Buffer       []byte
	outOfOrder   map[uint32][]byte
	present      roaring.Bitmap
	LastActivity time.Time
}

func newRecvConn(remoteAddr, outputPath, digest string, now time.Time) *recvConn {
	return &recvConn{
		RemoteAddr:   remoteAddr,
		OutputPath:   outputPath,
		Digest:       digest,
		ExpectedSeq:  1,
		outOfOrder:   make(map[uint32][]byte),
		LastActivity: now,
	}
}

// handleData applies one inbound DATA packet per the rules in spec.md §4.4.
// It returns the ack value to send back and whether the chunk is now
// complete (524288 bytes accumulated).
func (rc *recvConn) handleData(seq uint32, payload []byte, now time.Time) (ack uint32, completed bool) {
	rc.LastActivity = now
	e := rc.ExpectedSeq

	switch {
	case seq == e:
		rc.Buffer = append(rc.Buffer, payload...)
		e++
		for rc.present.Contains(e) {
			rc.Buffer = append(rc.Buffer, rc.outOfOrder[e]...)
			delete(rc.outOfOrder, e)
			rc.present.Remove(e)
			e++
		}
		rc.ExpectedSeq = e
		ack = e - 1
	case seq < e:
		// Duplicate already absorbed: echo ack, no state change.
		ack = seq
	default: // seq > e
		if rc.present.GetCardinality() < uint64(maxOutOfOrderBuffer) && !rc.present.Contains(seq) {
			rc.outOfOrder[seq] = append([]byte(nil), payload...)
			rc.present.Add(seq)
		}
		ack = e - 1
	}

	completed = len(rc.Buffer) >= store.ChunkSize
	return ack, completed
}

// stalled reports whether this connection has been idle past stallTimeout.
func (rc *recvConn) stalled(now time.Time) bool {
	return now.Sub(rc.LastActivity) > stallTimeout
}
