package chunkpeer

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/anacrolix/log"
	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"

	"github.com/dannyzb/chunkpeer/internal/chunkorder"
	"github.com/dannyzb/chunkpeer/peerprotocol"
	"github.com/dannyzb/chunkpeer/store"
)

// Manager is the session manager and scheduler (spec.md §2, §4.2): it owns
// the active-downloads, receive-connection, and send-connection tables, and
// enforces the upload admission limit.
type Manager struct {
	peers     *PeerTable
	inventory *store.ChunkStore
	maxConn   int
	timeout   time.Duration // fixed RTO; 0 means use the RTT estimator
	logger    log.Logger
	stats     *Stats
	metrics   *Metrics

	socket Socket

	downloads map[string]*Download
	recvConns map[string]*recvConn
	sendConns map[string]*sendConn

	// activity orders recvConns by last-activity, oldest at the front, so
	// the stall sweep can stop as soon as it finds a connection that isn't
	// stale yet instead of scanning the whole table every tick.
	activity    *list.List[string]
	activityRef map[string]*list.Element[string]
}

// NewManager builds a session manager for an already-loaded peer table and
// inventory.
func NewManager(peers *PeerTable, inventory *store.ChunkStore, maxConn int, timeout time.Duration, socket Socket, logger log.Logger) *Manager {
	return &Manager{
		peers:       peers,
		inventory:   inventory,
		maxConn:     maxConn,
		timeout:     timeout,
		logger:      logger,
		stats:       &Stats{},
		socket:      socket,
		downloads:   make(map[string]*Download),
		recvConns:   make(map[string]*recvConn),
		sendConns:   make(map[string]*sendConn),
		activity:    list.New[string](),
		activityRef: make(map[string]*list.Element[string]),
	}
}

// SetMetrics attaches a Metrics collector, updated as connection state
// changes. Optional — nil is a valid value, meaning metrics are off.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

func (m *Manager) sendPacket(addr string, pkt peerprotocol.Packet) {
	buf, err := peerprotocol.Encode(pkt)
	if err != nil {
		m.logger.Levelf(log.Warning, "chunkpeer: encoding %v packet for %s: %v", pkt.Type, addr, err)
		return
	}
	if err := m.socket.WriteTo(buf, addr); err != nil {
		m.logger.Levelf(log.Debug, "chunkpeer: sending %v to %s: %v", pkt.Type, addr, err)
		return
	}
	if pkt.Type == peerprotocol.Data {
		m.stats.BytesSent.Add(int64(len(pkt.Payload)))
		if m.metrics != nil {
			m.metrics.BytesSent.Add(float64(len(pkt.Payload)))
		}
	}
}

// ParseHashFileLines parses a hash-request file's contents: one
// "<index> <hex-digest>" pair per line, index ignored, ordering not
// semantically significant (spec.md §6). Malformed lines are skipped.
func ParseHashFileLines(data []byte) []string {
	var digests []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		hex := strings.ToLower(fields[1])
		if _, err := peerprotocol.ParseDigestHex(hex); err != nil {
			continue
		}
		digests = append(digests, hex)
	}
	return digests
}

// StartDownloadFromFile implements the DOWNLOAD command (spec.md §4.2):
// reads the hash file, registers a Download task, and broadcasts WHOHAS.
func (m *Manager) StartDownloadFromFile(hashFilePath, outputPath string) error {
	data, err := os.ReadFile(hashFilePath)
	if err != nil {
		return fmt.Errorf("chunkpeer: reading hash file %s: %w", hashFilePath, err)
	}
	digests := ParseHashFileLines(data)
	m.StartDownload(outputPath, digests)
	return nil
}

// StartDownload registers a new Download task for the given digests and
// broadcasts one WHOHAS to every other roster peer.
func (m *Manager) StartDownload(outputPath string, digests []string) {
	if _, exists := m.downloads[outputPath]; exists {
		m.logger.Levelf(log.Warning, "chunkpeer: download for %s already in progress, ignoring", outputPath)
		return
	}
	dl := newDownload(outputPath, digests)
	if dl.isEmpty() {
		dl.State = Done
		m.persistDownload(dl)
		return
	}
	m.downloads[outputPath] = dl
	m.logger.Levelf(log.Info, "chunkpeer: starting download of %d chunks to %s", len(digests), outputPath)
	m.broadcastWhoHas(dl)
}

func (m *Manager) broadcastWhoHas(dl *Download) {
	digests := make([]peerprotocol.Digest, 0, len(dl.Remaining))
	for hex := range dl.Remaining {
		d, err := peerprotocol.ParseDigestHex(hex)
		if err != nil {
			continue
		}
		digests = append(digests, d)
	}
	if len(digests) == 0 {
		return
	}
	pkt := peerprotocol.NewWhoHas(digests)
	for _, p := range m.peers.Others() {
		m.sendPacket(p.Addr(), pkt)
	}
}

// HandleWhoHas replies IHAVE for every requested digest this peer's
// inventory holds.
func (m *Manager) HandleWhoHas(from string, pkt peerprotocol.Packet) {
	digests, err := peerprotocol.DigestsFromPayload(pkt.Payload)
	if err != nil {
		return
	}
	var have []peerprotocol.Digest
	for _, d := range digests {
		ok, err := m.inventory.Has(d.String())
		if err == nil && ok {
			have = append(have, d)
		}
	}
	if len(have) > 0 {
		m.sendPacket(from, peerprotocol.NewIHave(have))
	}
}

// HandleIHave records from as a holder of every advertised digest that some
// active download still needs, then re-runs the scheduler.
func (m *Manager) HandleIHave(from string, pkt peerprotocol.Packet) {
	digests, err := peerprotocol.DigestsFromPayload(pkt.Payload)
	if err != nil {
		return
	}
	changed := false
	for _, d := range digests {
		hex := d.String()
		for _, dl := range m.downloads {
			if dl.needs(hex) && dl.addHolder(hex, from) {
				changed = true
			}
		}
	}
	if changed {
		m.schedule()
	}
}

// HandleGet implements upload admission (spec.md §4.2): unknown digests are
// dropped, a full send-connection table yields DENIED, otherwise a send
// connection is created and the first window transmitted.
func (m *Manager) HandleGet(from string, pkt peerprotocol.Packet) {
	d, err := peerprotocol.GetDigest(pkt)
	if err != nil {
		return
	}
	hex := d.String()
	data, ok, err := m.inventory.Get(hex)
	if err != nil || !ok {
		return
	}
	if _, exists := m.sendConns[from]; exists {
		return // already serving this requester; one send connection per address
	}
	if len(m.sendConns) >= m.maxConn {
		m.sendPacket(from, peerprotocol.NewDenied())
		m.stats.DeniedUploads.Add(1)
		if m.metrics != nil {
			m.metrics.Denials.Inc()
		}
		return
	}
	sc := newSendConn(from, hex, data, m.timeout)
	m.sendConns[from] = sc
	if m.metrics != nil {
		m.metrics.SendConns.Set(float64(len(m.sendConns)))
	}
	now := time.Now()
	for _, p := range sc.transmit(now) {
		m.sendPacket(from, p)
	}
}

// HandleData applies one inbound DATA packet to its receive connection, if
// any, and emits the corresponding ACK.
func (m *Manager) HandleData(from string, pkt peerprotocol.Packet) {
	rc, ok := m.recvConns[from]
	if !ok {
		return
	}
	now := time.Now()
	m.stats.BytesReceived.Add(int64(len(pkt.Payload)))
	if m.metrics != nil {
		m.metrics.BytesRecv.Add(float64(len(pkt.Payload)))
	}
	ack, completed := rc.handleData(pkt.Seq, pkt.Payload, now)
	m.touchActivity(from)
	m.sendPacket(from, peerprotocol.NewAck(ack))
	if completed {
		m.completeChunk(rc)
	}
}

func (m *Manager) completeChunk(rc *recvConn) {
	delete(m.recvConns, rc.RemoteAddr)
	m.removeActivity(rc.RemoteAddr)
	if m.metrics != nil {
		m.metrics.RecvConns.Set(float64(len(m.recvConns)))
	}

	data := rc.Buffer[:store.ChunkSize]
	if err := m.inventory.Put(rc.Digest, data); err != nil {
		m.logger.Levelf(log.Warning, "chunkpeer: storing completed chunk %s: %v", rc.Digest, err)
	}

	dl, ok := m.downloads[rc.OutputPath]
	if !ok {
		m.schedule()
		return
	}
	delete(dl.Remaining, rc.Digest)
	dl.Received[rc.Digest] = data

	if dl.isEmpty() {
		dl.State = Done
		m.persistDownload(dl)
		delete(m.downloads, dl.OutputPath)
		m.stats.DownloadsDone.Add(1)
	}
	m.schedule()
}

func (m *Manager) persistDownload(dl *Download) {
	out, err := store.Open(dl.OutputPath)
	if err != nil {
		m.logger.Levelf(log.Warning, "chunkpeer: opening output %s: %v", dl.OutputPath, err)
		return
	}
	defer out.Close()
	if err := out.PutSet(dl.Received); err != nil {
		m.logger.Levelf(log.Warning, "chunkpeer: persisting output %s: %v", dl.OutputPath, err)
		return
	}
	var total uint64
	for _, b := range dl.Received {
		total += uint64(len(b))
	}
	m.logger.Levelf(log.Info, "chunkpeer: download complete: %s (%s)", dl.OutputPath, humanize.Bytes(total))
}

// HandleAck applies the AIMD congestion-control update for one inbound ACK
// and transmits further window space if any opened up.
func (m *Manager) HandleAck(from string, pkt peerprotocol.Packet) {
	sc, ok := m.sendConns[from]
	if !ok {
		return
	}
	now := time.Now()
	seq, shouldRetransmit := sc.onAck(pkt.Ack, now)
	if shouldRetransmit {
		m.sendPacket(from, sc.retransmit(seq, now))
		m.stats.FastRetransmits.Add(1)
		if m.metrics != nil {
			m.metrics.FastRetrans.Inc()
		}
	}
	for _, p := range sc.transmit(now) {
		m.sendPacket(from, p)
	}
	if sc.done() {
		delete(m.sendConns, from)
		m.stats.UploadsDone.Add(1)
		if m.metrics != nil {
			m.metrics.SendConns.Set(float64(len(m.sendConns)))
		}
		m.logger.Levelf(log.Info, "chunkpeer: upload complete: %s to %s", sc.Digest, from)
	}
}

// HandleDenied consumes a DENIED reply by rerouting immediately to another
// holder, the strict improvement over stall-only failover that spec.md §9
// calls out.
func (m *Manager) HandleDenied(from string, pkt peerprotocol.Packet) {
	rc, ok := m.recvConns[from]
	if !ok {
		return
	}
	if dl, ok := m.downloads[rc.OutputPath]; ok {
		dl.removeHolder(rc.Digest, from)
	}
	delete(m.recvConns, from)
	m.removeActivity(from)
	if m.metrics != nil {
		m.metrics.RecvConns.Set(float64(len(m.recvConns)))
	}
	m.schedule()
}

// Tick runs the reactor's per-iteration timeout sweep: send-connection RTO
// retransmission and receive-connection stall detection (spec.md §4.3,
// §4.4, §4.5).
func (m *Manager) Tick(now time.Time) {
	for addr, sc := range m.sendConns {
		if sc.timedOut(now) {
			m.sendPacket(addr, sc.retransmitOnTimeout(now))
			m.stats.Retransmits.Add(1)
			if m.metrics != nil {
				m.metrics.Retransmits.Inc()
			}
		}
	}

	var stalled []string
	for e := m.activity.Front(); e != nil; {
		addr := e.Value
		rc, ok := m.recvConns[addr]
		if !ok {
			next := e.Next()
			m.activity.Remove(e)
			delete(m.activityRef, addr)
			e = next
			continue
		}
		if !rc.stalled(now) {
			break // everything after this is at least as recent
		}
		stalled = append(stalled, addr)
		e = e.Next()
	}

	for _, addr := range stalled {
		rc, ok := m.recvConns[addr]
		if !ok {
			continue
		}
		m.logger.Levelf(log.Info, "chunkpeer: receive connection to %s stalled, rescheduling chunk %s", addr, rc.Digest)
		m.logger.Levelf(log.Debug, "chunkpeer: stalled connection state:\n%s", spew.Sdump(rc))
		if dl, ok := m.downloads[rc.OutputPath]; ok {
			dl.removeHolder(rc.Digest, addr)
		}
		delete(m.recvConns, addr)
		m.removeActivity(addr)
		m.stats.StalledTransfers.Add(1)
		if m.metrics != nil {
			m.metrics.Stalls.Inc()
		}
	}
	if m.metrics != nil {
		m.metrics.RecvConns.Set(float64(len(m.recvConns)))
		m.metrics.Downloads.Set(float64(len(m.downloads)))
	}
	if len(stalled) > 0 {
		m.schedule()
	}
}

func (m *Manager) touchActivity(addr string) {
	if el, ok := m.activityRef[addr]; ok {
		m.activity.MoveToBack(el)
		return
	}
	m.activityRef[addr] = m.activity.PushBack(addr)
}

func (m *Manager) removeActivity(addr string) {
	if el, ok := m.activityRef[addr]; ok {
		m.activity.Remove(el)
		delete(m.activityRef, addr)
	}
}

// schedule is the rarest-holder-first assignment pass (spec.md §4.2): for
// every still-needed chunk of every active download, ascending by holder
// count, assign the first holder address not already hosting a receive
// connection.
func (m *Manager) schedule() {
	order := chunkorder.New()
	for outputPath, dl := range m.downloads {
		if dl.State == Done {
			continue
		}
		for digest := range dl.Remaining {
			order.Upsert(chunkorder.Item{
				OutputPath:  outputPath,
				Digest:      digest,
				HolderCount: dl.holderCount(digest),
			})
		}
	}

	type chunkKey struct{ outputPath, digest string }
	activeChunk := make(map[chunkKey]bool, len(m.recvConns))
	activeAddr := make(map[string]bool, len(m.recvConns))
	for addr, rc := range m.recvConns {
		activeChunk[chunkKey{rc.OutputPath, rc.Digest}] = true
		activeAddr[addr] = true
	}

	order.Scan(func(item chunkorder.Item) bool {
		key := chunkKey{item.OutputPath, item.Digest}
		if activeChunk[key] {
			return true
		}
		dl, ok := m.downloads[item.OutputPath]
		if !ok {
			return true
		}
		for _, addr := range dl.holderAddrs(item.Digest) {
			if activeAddr[addr] {
				continue
			}
			m.startReceive(dl, item.Digest, addr)
			activeAddr[addr] = true
			activeChunk[key] = true
			break
		}
		return true
	})
}

func (m *Manager) startReceive(dl *Download, digest, addr string) {
	rc := newRecvConn(addr, dl.OutputPath, digest, time.Now())
	m.recvConns[addr] = rc
	m.touchActivity(addr)
	dl.State = Transferring
	if m.metrics != nil {
		m.metrics.RecvConns.Set(float64(len(m.recvConns)))
	}
	d, err := peerprotocol.ParseDigestHex(digest)
	if err != nil {
		return
	}
	m.sendPacket(addr, peerprotocol.NewGet(d))
}

// Stats returns the running counters.
func (m *Manager) Stats() *Stats {
	return m.stats
}
