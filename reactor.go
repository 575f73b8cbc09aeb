package chunkpeer

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dannyzb/chunkpeer/peerprotocol"
)

// tickInterval is the reactor's cooperative scheduling period (spec.md
// §4.5): every iteration dispatches at most one inbound datagram or
// command, then runs exactly one Tick.
const tickInterval = 100 * time.Millisecond

// inboundPacket is one datagram read off the socket, handed from the read
// goroutine to the reactor loop over a channel.
type inboundPacket struct {
	addr string
	data []byte
}

// Reactor is the single-threaded event loop tying the socket, stdin command
// stream, and Manager together. Every other piece of state (downloads,
// connections, scheduling) is mutated only from the Run goroutine, so
// Manager itself needs no locking (spec.md §4.5).
type Reactor struct {
	socket  Socket
	manager *Manager
	logger  log.Logger

	// closed marks the reactor shut down exactly once and lets the read and
	// stdin-scan goroutines observe that without a mutex, the same role
	// chansync.SetOnce plays for the teacher's per-connection "closed" flag.
	closed chansync.SetOnce
}

// NewReactor builds a Reactor around an already-constructed Manager and
// Socket.
func NewReactor(socket Socket, manager *Manager, logger log.Logger) *Reactor {
	return &Reactor{socket: socket, manager: manager, logger: logger}
}

// Run drives the reactor until ctx is canceled; reaching EOF on stdin only
// stops command intake. It supervises two background goroutines, the socket
// read loop and the stdin command scanner, via errgroup so a fatal read error
// propagates out as this call's return value
// (anacrolix/torrent's client uses the same errgroup-supervised-goroutine
// shape for its own accept loops).
func (r *Reactor) Run(ctx context.Context, stdin io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan inboundPacket, 64)
	commands := make(chan string, 8)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.readLoop(gctx, inbound)
	})
	g.Go(func() error {
		return scanCommands(gctx, r.closed.Done(), stdin, commands)
	})

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closed.Set()
			cancel()
			closeErr := r.socket.Close()
			return multierr.Combine(closeErr, g.Wait())
		case pkt, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			r.dispatch(pkt.addr, pkt.data)
			r.manager.Tick(time.Now())
		case line, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			r.handleCommand(line)
			r.manager.Tick(time.Now())
		case now := <-ticker.C:
			r.manager.Tick(now)
		}
	}
}

// readLoop reads datagrams off the socket and forwards them to out until ctx
// is canceled, r.closed fires, or the socket errors.
func (r *Reactor) readLoop(ctx context.Context, out chan<- inboundPacket) error {
	defer close(out)
	buf := make([]byte, peerprotocol.MaxPacketLen)
	for {
		n, addr, err := r.socket.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || r.closed.IsSet() {
				return nil
			}
			return err
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case out <- inboundPacket{addr: addr, data: data}:
		case <-ctx.Done():
			return nil
		case <-r.closed.Done():
			return nil
		}
	}
}

// scanCommands reads newline-delimited stdin commands and forwards them to
// out until ctx is canceled, closed fires, or stdin reaches EOF.
func scanCommands(ctx context.Context, closed <-chan struct{}, stdin io.Reader, out chan<- string) error {
	defer close(out)
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		line := sc.Text()
		select {
		case out <- line:
		case <-ctx.Done():
			return nil
		case <-closed:
			return nil
		}
	}
	return sc.Err()
}

// dispatch decodes one inbound datagram and routes it by type. Malformed
// packets are logged at debug level and dropped (spec.md §4.1: "a peer MUST
// silently discard" malformed input).
func (r *Reactor) dispatch(addr string, data []byte) {
	pkt, err := peerprotocol.Decode(data)
	if err != nil {
		r.logger.Levelf(log.Debug, "chunkpeer: dropping malformed packet from %s: %v", addr, err)
		return
	}
	switch pkt.Type {
	case peerprotocol.WhoHas:
		r.manager.HandleWhoHas(addr, pkt)
	case peerprotocol.IHave:
		r.manager.HandleIHave(addr, pkt)
	case peerprotocol.Get:
		r.manager.HandleGet(addr, pkt)
	case peerprotocol.Data:
		r.manager.HandleData(addr, pkt)
	case peerprotocol.Ack:
		r.manager.HandleAck(addr, pkt)
	case peerprotocol.Denied:
		r.manager.HandleDenied(addr, pkt)
	}
}

// handleCommand parses one stdin line. The only recognized grammar is
// "DOWNLOAD <hash-file> <output-file>" (spec.md §4.2); unrecognized lines
// are logged and ignored.
func (r *Reactor) handleCommand(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch strings.ToUpper(fields[0]) {
	case "DOWNLOAD":
		if len(fields) != 3 {
			r.logger.Levelf(log.Warning, "chunkpeer: malformed DOWNLOAD command: %q", line)
			return
		}
		if err := r.manager.StartDownloadFromFile(fields[1], fields[2]); err != nil {
			r.logger.Levelf(log.Warning, "chunkpeer: %v", err)
		}
	default:
		r.logger.Levelf(log.Warning, "chunkpeer: unrecognized command: %q", line)
	}
}
