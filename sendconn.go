package chunkpeer

import (
	"math"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/dannyzb/chunkpeer/peerprotocol"
)

const (
	minRTO = 200 * time.Millisecond
	maxRTO = 4 * time.Second
)

// sendConn is one in-progress upload of a single chunk to a single
// requester: congestion window, duplicate-ACK counter, RTT estimator, and
// the per-sequence send-timestamp map (spec.md §3, §4.3).
type sendConn struct {
	RemoteAddr string
	Digest     string
	Data       []byte
	TotalSeqs  uint32

	Cwnd        float64
	Ssthresh    int
	LastAck     uint32
	LastSent    uint32
	DupAckCount int

	fixedRTO     bool
	EstimatedRTT time.Duration
	DevRTT       time.Duration
	RTO          time.Duration

	sendTimestamps map[uint32]time.Time
	inFlight       roaring.Bitmap
}

func newSendConn(remoteAddr, digest string, data []byte, fixedTimeout time.Duration) *sendConn {
	total := (uint32(len(data)) + 1023) / 1024
	sc := &sendConn{
		RemoteAddr:     remoteAddr,
		Digest:         digest,
		Data:           data,
		TotalSeqs:      total,
		Cwnd:           1.0,
		Ssthresh:       64,
		sendTimestamps: make(map[uint32]time.Time),
	}
	if fixedTimeout > 0 {
		sc.fixedRTO = true
		sc.RTO = fixedTimeout
	} else {
		sc.RTO = time.Second
	}
	return sc
}

func (sc *sendConn) seqPayload(seq uint32) []byte {
	start := int(seq-1) * 1024
	end := start + 1024
	if end > len(sc.Data) {
		end = len(sc.Data)
	}
	return sc.Data[start:end]
}

// oldestUnacked returns the lowest sequence number still in flight, read
// straight off the roaring bitmap rather than assumed to be last-ack+1 —
// the two coincide only because DATA is never sent out of order, and the
// bitmap is the thing that actually knows it.
func (sc *sendConn) oldestUnacked() (uint32, bool) {
	if sc.inFlight.IsEmpty() {
		return 0, false
	}
	return sc.inFlight.Minimum(), true
}

// transmit sends successive unsent sequences while the bitmap's in-flight
// cardinality stays below floor(cwnd), stamping each send time (spec.md
// §4.3 "Transmission").
func (sc *sendConn) transmit(now time.Time) []peerprotocol.Packet {
	var pkts []peerprotocol.Packet
	for sc.inFlight.GetCardinality() < uint64(math.Floor(sc.Cwnd)) && sc.LastSent < sc.TotalSeqs {
		sc.LastSent++
		seq := sc.LastSent
		sc.sendTimestamps[seq] = now
		sc.inFlight.Add(seq)
		pkts = append(pkts, peerprotocol.NewData(seq, sc.seqPayload(seq)))
	}
	return pkts
}

// onAck applies the AIMD congestion-control rules for one inbound ACK. If a
// third duplicate ACK just arrived, it returns the sequence to
// fast-retransmit.
func (sc *sendConn) onAck(ack uint32, now time.Time) (fastRetransmitSeq uint32, shouldFastRetransmit bool) {
	switch {
	case ack > sc.LastAck:
		if !sc.fixedRTO {
			sc.sampleRTT(ack, now)
		}
		for s := sc.LastAck + 1; s <= ack; s++ {
			sc.inFlight.Remove(s)
			delete(sc.sendTimestamps, s)
		}
		sc.LastAck = ack
		sc.DupAckCount = 0
		if sc.Cwnd < float64(sc.Ssthresh) {
			sc.Cwnd += 1
		} else {
			sc.Cwnd += 1 / sc.Cwnd
		}
	case ack == sc.LastAck:
		sc.DupAckCount++
		if sc.DupAckCount == 3 {
			seq, ok := sc.oldestUnacked()
			if !ok {
				seq = sc.LastAck + 1
			}
			sc.Ssthresh = maxInt(int(math.Floor(sc.Cwnd/2)), 2)
			sc.Cwnd = 1
			return seq, true
		}
	}
	return 0, false
}

func (sc *sendConn) sampleRTT(ack uint32, now time.Time) {
	ts, ok := sc.sendTimestamps[ack]
	if !ok {
		return
	}
	sample := now.Sub(ts)
	if sc.EstimatedRTT == 0 && sc.DevRTT == 0 {
		sc.EstimatedRTT = sample
		sc.DevRTT = sample / 2
	} else {
		sc.EstimatedRTT = time.Duration(0.85*float64(sc.EstimatedRTT) + 0.15*float64(sample))
		diff := sample - sc.EstimatedRTT
		if diff < 0 {
			diff = -diff
		}
		sc.DevRTT = time.Duration(0.7*float64(sc.DevRTT) + 0.3*float64(diff))
	}
	rto := sc.EstimatedRTT + 4*sc.DevRTT
	sc.RTO = clampDuration(rto, minRTO, maxRTO)
}

// timedOut reports whether the oldest unacked sequence's send timestamp is
// older than RTO.
func (sc *sendConn) timedOut(now time.Time) bool {
	seq, ok := sc.oldestUnacked()
	if !ok {
		return false
	}
	ts, ok := sc.sendTimestamps[seq]
	if !ok {
		return false
	}
	return now.Sub(ts) > sc.RTO
}

// retransmitOnTimeout retransmits the oldest in-flight sequence on an RTO
// firing, refreshing its timestamp and applying the same multiplicative
// decrease as fast retransmit (spec.md §4.3 "Timer").
func (sc *sendConn) retransmitOnTimeout(now time.Time) peerprotocol.Packet {
	seq, ok := sc.oldestUnacked()
	if !ok {
		seq = sc.LastAck + 1
	}
	sc.sendTimestamps[seq] = now
	sc.Ssthresh = maxInt(int(math.Floor(sc.Cwnd/2)), 2)
	sc.Cwnd = 1
	return peerprotocol.NewData(seq, sc.seqPayload(seq))
}

// retransmit resends seq, refreshing its timestamp without touching cwnd —
// used for the fast-retransmit path, whose cwnd update already happened in
// onAck.
func (sc *sendConn) retransmit(seq uint32, now time.Time) peerprotocol.Packet {
	sc.sendTimestamps[seq] = now
	return peerprotocol.NewData(seq, sc.seqPayload(seq))
}

// done reports whether the chunk has been fully acknowledged.
func (sc *sendConn) done() bool {
	return uint64(sc.LastAck)*1024 >= uint64(len(sc.Data))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
