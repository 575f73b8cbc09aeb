package chunkpeer

import (
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyzb/chunkpeer/peerprotocol"
	"github.com/dannyzb/chunkpeer/store"
)

// fakeSocket records every outbound packet in memory instead of touching the
// network, letting tests assert on what the Manager would have sent.
type fakeSocket struct {
	sent []sentPacket
}

type sentPacket struct {
	addr string
	data []byte
}

func (s *fakeSocket) ReadFrom([]byte) (int, string, error) { return 0, "", net.ErrClosed }
func (s *fakeSocket) WriteTo(buf []byte, addr string) error {
	cp := append([]byte(nil), buf...)
	s.sent = append(s.sent, sentPacket{addr: addr, data: cp})
	return nil
}
func (s *fakeSocket) LocalAddr() string { return "127.0.0.1:0" }
func (s *fakeSocket) Close() error      { return nil }

func testManager(t *testing.T) (*Manager, *fakeSocket) {
	t.Helper()
	records := []PeerRecord{
		{ID: 1, Host: "127.0.0.1", Port: 9001},
		{ID: 2, Host: "127.0.0.1", Port: 9002},
	}
	peers, err := NewPeerTable(1, records)
	require.NoError(t, err)

	dir := t.TempDir()
	inv, err := store.Open(dir + "/inventory.db")
	require.NoError(t, err)
	t.Cleanup(func() { inv.Close() })

	sock := &fakeSocket{}
	m := NewManager(peers, inv, 2, 0, sock, log.Default)
	return m, sock
}

func TestStartDownloadBroadcastsWhoHas(t *testing.T) {
	m, sock := testManager(t)
	digest := "0102030405060708090a0b0c0d0e0f1011121314"
	m.StartDownload("/tmp/out.db", []string{digest})

	require.Len(t, sock.sent, 1)
	assert.Equal(t, "127.0.0.1:9002", sock.sent[0].addr)

	pkt, err := peerprotocol.Decode(sock.sent[0].data)
	require.NoError(t, err)
	assert.Equal(t, peerprotocol.WhoHas, pkt.Type)
}

func TestHandleIHaveTriggersGet(t *testing.T) {
	m, sock := testManager(t)
	digest := "0102030405060708090a0b0c0d0e0f1011121314"
	m.StartDownload("/tmp/out.db", []string{digest})
	sock.sent = nil

	d, err := peerprotocol.ParseDigestHex(digest)
	require.NoError(t, err)
	m.HandleIHave("127.0.0.1:9002", peerprotocol.NewIHave([]peerprotocol.Digest{d}))

	require.Len(t, sock.sent, 1)
	pkt, err := peerprotocol.Decode(sock.sent[0].data)
	require.NoError(t, err)
	assert.Equal(t, peerprotocol.Get, pkt.Type)
	require.Len(t, m.recvConns, 1)
}

func TestHandleGetDeniesWhenSendTableFull(t *testing.T) {
	m, sock := testManager(t)
	digest := "0102030405060708090a0b0c0d0e0f1011121314"
	data := make([]byte, 524288)
	require.NoError(t, m.inventory.Put(digest, data))

	d, _ := peerprotocol.ParseDigestHex(digest)
	m.maxConn = 0
	m.HandleGet("127.0.0.1:9002", peerprotocol.NewGet(d))

	require.Len(t, sock.sent, 1)
	pkt, err := peerprotocol.Decode(sock.sent[0].data)
	require.NoError(t, err)
	assert.Equal(t, peerprotocol.Denied, pkt.Type)
	assert.EqualValues(t, 1, m.stats.DeniedUploads.Int64())
}

func TestHandleDeniedReroutesAndForgetsHolder(t *testing.T) {
	m, sock := testManager(t)
	digest := "0102030405060708090a0b0c0d0e0f1011121314"
	m.StartDownload("/tmp/out.db", []string{digest})
	d, _ := peerprotocol.ParseDigestHex(digest)

	// Two holders advertise the chunk; the first gets dialed.
	m.HandleIHave("127.0.0.1:9002", peerprotocol.NewIHave([]peerprotocol.Digest{d}))
	m.HandleIHave("127.0.0.1:9003", peerprotocol.NewIHave([]peerprotocol.Digest{d}))
	require.Len(t, m.recvConns, 1)
	_, servedByA := m.recvConns["127.0.0.1:9002"]
	require.True(t, servedByA)

	sock.sent = nil
	m.HandleDenied("127.0.0.1:9002", peerprotocol.NewDenied())

	// The denying holder is forgotten and the chunk goes to the other one.
	require.Len(t, m.recvConns, 1)
	_, servedByB := m.recvConns["127.0.0.1:9003"]
	require.True(t, servedByB)
	require.Len(t, sock.sent, 1)
	assert.Equal(t, "127.0.0.1:9003", sock.sent[0].addr)
	dl := m.downloads["/tmp/out.db"]
	assert.Equal(t, 1, dl.holderCount(digest))
}

func TestTickStallSweepRemovesIdleConnection(t *testing.T) {
	m, _ := testManager(t)
	rc := newRecvConn("127.0.0.1:9002", "/tmp/out.db", "deadbeef", time.Now().Add(-10*time.Second))
	m.recvConns["127.0.0.1:9002"] = rc
	m.touchActivity("127.0.0.1:9002")
	m.downloads["/tmp/out.db"] = newDownload("/tmp/out.db", []string{"deadbeef"})
	m.downloads["/tmp/out.db"].addHolder("deadbeef", "127.0.0.1:9002")

	m.Tick(time.Now())

	assert.Empty(t, m.recvConns)
	assert.EqualValues(t, 1, m.stats.StalledTransfers.Int64())
}

func TestParseHashFileLines(t *testing.T) {
	digest := "0102030405060708090a0b0c0d0e0f1011121314"
	data := []byte("1 " + digest + "\n# comment\n\nmalformed-line\n2 " + digest + "\n")
	digests := ParseHashFileLines(data)
	assert.Equal(t, []string{digest, digest}, digests)
}
