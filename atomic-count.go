package chunkpeer

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
)

// Count is a concurrency-safe counter, used for the byte/packet totals in
// Stats. Adapted unchanged from the teacher's stats primitive — the reactor
// is single-threaded, but Manager.Stats() hands out the struct, and atomic
// access keeps a read from another goroutine safe. The Prometheus metrics
// are separate collectors updated alongside these counters.
type Count struct {
	n int64
}

func (c *Count) Add(n int64) {
	atomic.AddInt64(&c.n, n)
}

func (c *Count) Int64() int64 {
	return atomic.LoadInt64(&c.n)
}

func (c *Count) String() string {
	return strconv.FormatInt(c.Int64(), 10)
}

func (c *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.n)
}

// Stats aggregates the engine's running counters.
type Stats struct {
	BytesSent        Count
	BytesReceived    Count
	Retransmits      Count
	FastRetransmits  Count
	DownloadsDone    Count
	UploadsDone      Count
	DeniedUploads    Count
	StalledTransfers Count
}
