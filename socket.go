package chunkpeer

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/anacrolix/missinggo/v2"
	"github.com/pkg/errors"
)

// Socket is the observable interface the reactor needs from the datagram
// transport: send a packet to an address, and receive the next inbound
// packet with its source address. spec.md §1 specifies the core only
// against this interface — the concrete net.PacketConn (or a simulator
// shim) is an external collaborator.
type Socket interface {
	ReadFrom(buf []byte) (n int, addr string, err error)
	WriteTo(buf []byte, addr string) error
	LocalAddr() string
	Close() error
}

// udpSocket is the plain net.PacketConn-backed Socket used outside of a
// SIMULATOR environment.
type udpSocket struct {
	pc net.PacketConn
}

func listenUDP(addr string) (*udpSocket, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "chunkpeer: listening on %s", addr)
	}
	return &udpSocket{pc: pc}, nil
}

func (s *udpSocket) ReadFrom(buf []byte) (int, string, error) {
	n, addr, err := s.pc.ReadFrom(buf)
	if err != nil {
		return n, "", err
	}
	return n, addr.String(), nil
}

func (s *udpSocket) WriteTo(buf []byte, addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "chunkpeer: resolving %s", addr)
	}
	_, err = s.pc.WriteTo(buf, raddr)
	return err
}

func (s *udpSocket) LocalAddr() string {
	return s.pc.LocalAddr().String()
}

func (s *udpSocket) Close() error {
	return s.pc.Close()
}

// simulatorHeaderLen is the fixed size of the out-of-band header SIMULATOR
// mode wraps around every datagram: big-endian node id, src IPv4, dst IPv4,
// src port, dst port (spec.md §6).
const simulatorHeaderLen = 16

// simulatorSocket wraps a udpSocket, always talking to the configured
// simulator address and wrapping/unwrapping the 16-byte header on every
// send/receive. This is the only permitted out-of-band alteration of the
// wire format.
type simulatorSocket struct {
	inner     *udpSocket
	simAddr   *net.UDPAddr
	nodeID    uint32
	localIP   [4]byte
	localPort uint16
}

// newSimulatorSocket builds a socket that tunnels all traffic through
// simAddr, as directed by the SIMULATOR environment variable. The listening
// socket's own net.Addr supplies the port via localPort, rather than
// re-parsing the string form of the address.
func newSimulatorSocket(inner *udpSocket, simAddr string, nodeID uint32, listenAddr net.Addr) (*simulatorSocket, error) {
	raddr, err := net.ResolveUDPAddr("udp", simAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "chunkpeer: resolving SIMULATOR address %s", simAddr)
	}
	host, _, err := net.SplitHostPort(listenAddr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "chunkpeer: parsing listen address %s", listenAddr)
	}
	var ip [4]byte
	if host != "" {
		parsed := net.ParseIP(host).To4()
		if parsed != nil {
			copy(ip[:], parsed)
		}
	}
	return &simulatorSocket{
		inner:     inner,
		simAddr:   raddr,
		nodeID:    nodeID,
		localIP:   ip,
		localPort: uint16(localPort(listenAddr)),
	}, nil
}

// simulatorEnvFromEnviron reads the SIMULATOR environment variable, if set.
func simulatorEnvFromEnviron() (addr string, ok bool) {
	v, ok := os.LookupEnv("SIMULATOR")
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func (s *simulatorSocket) wrapHeader(dst string) ([]byte, error) {
	dstHost, dstPortStr, err := net.SplitHostPort(dst)
	if err != nil {
		return nil, errors.Wrapf(err, "chunkpeer: parsing destination %s", dst)
	}
	dstPort, err := strconv.Atoi(dstPortStr)
	if err != nil {
		return nil, errors.Wrapf(err, "chunkpeer: parsing destination port in %s", dst)
	}
	var dstIP [4]byte
	if parsed := net.ParseIP(dstHost).To4(); parsed != nil {
		copy(dstIP[:], parsed)
	}
	hdr := make([]byte, simulatorHeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], s.nodeID)
	copy(hdr[4:8], s.localIP[:])
	copy(hdr[8:12], dstIP[:])
	binary.BigEndian.PutUint16(hdr[12:14], s.localPort)
	binary.BigEndian.PutUint16(hdr[14:16], uint16(dstPort))
	return hdr, nil
}

func (s *simulatorSocket) WriteTo(buf []byte, addr string) error {
	hdr, err := s.wrapHeader(addr)
	if err != nil {
		return err
	}
	wrapped := append(hdr, buf...)
	return s.inner.WriteTo(wrapped, s.simAddr.String())
}

func (s *simulatorSocket) ReadFrom(buf []byte) (int, string, error) {
	raw := make([]byte, len(buf)+simulatorHeaderLen)
	for {
		n, _, err := s.inner.ReadFrom(raw)
		if err != nil {
			return 0, "", err
		}
		if n < simulatorHeaderLen {
			continue // malformed simulator frame, drop and keep reading
		}
		body := raw[simulatorHeaderLen:n]
		srcIP := net.IP(raw[4:8]).String()
		srcPort := binary.BigEndian.Uint16(raw[12:14])
		copy(buf, body)
		return len(body), net.JoinHostPort(srcIP, fmt.Sprint(srcPort)), nil
	}
}

func (s *simulatorSocket) LocalAddr() string {
	return s.inner.LocalAddr()
}

func (s *simulatorSocket) Close() error {
	return s.inner.Close()
}

// NewSocket binds a listener on addr and, if SIMULATOR is set in the
// environment, wraps it transparently per spec.md §6.
func NewSocket(addr string, nodeID PeerID) (Socket, error) {
	udp, err := listenUDP(addr)
	if err != nil {
		return nil, err
	}
	if simAddr, ok := simulatorEnvFromEnviron(); ok {
		sim, err := newSimulatorSocket(udp, simAddr, uint32(nodeID), udp.pc.LocalAddr())
		if err != nil {
			udp.Close()
			return nil, err
		}
		return sim, nil
	}
	return udp, nil
}

// localPort extracts the numeric port a socket is bound to, using the same
// address-parsing helper the teacher relies on elsewhere for its listener
// bookkeeping.
func localPort(addr net.Addr) int {
	return missinggo.AddrPort(addr)
}
