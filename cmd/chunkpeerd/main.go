// Command chunkpeerd runs one chunk-transfer swarm peer: it loads a static
// roster and a local chunk inventory, binds a datagram socket, and drives
// the reactor, taking DOWNLOAD commands from stdin, until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"

	"github.com/dannyzb/chunkpeer"
	"github.com/dannyzb/chunkpeer/store"
	"github.com/dannyzb/chunkpeer/version"
)

type args struct {
	ID      uint32 `arg:"-i,required" help:"this peer's id (must appear in the roster, must be nonzero)"`
	Roster  string `arg:"-p" default:"nodes.map" help:"peer roster file path"`
	Inv     string `arg:"-c,required" help:"local inventory file path"`
	MaxConn int    `arg:"-m,required" help:"maximum concurrent send connections"`
	Verbose int    `arg:"-v" default:"0" help:"logging verbosity: 0 silent, 1 warning, 2 info, 3 debug"`
	Timeout int    `arg:"-t" default:"0" help:"fixed retransmission timeout in seconds; 0 means use the RTT estimator"`
}

func verbosityLevel(v int) log.Level {
	switch {
	case v >= 3:
		return log.Debug
	case v == 2:
		return log.Info
	case v == 1:
		return log.Warning
	default:
		return log.Critical + 1 // above every defined level: effectively silent
	}
}

func main() {
	defer envpprof.Stop()

	var a args
	arg.MustParse(&a)

	logger := log.Default.WithFilterLevel(verbosityLevel(a.Verbose))
	logger.Levelf(log.Info, "%s starting, peer id %d", version.ClientVersion, a.ID)

	if a.ID == 0 {
		logger.Levelf(log.Critical, "chunkpeer: peer id must be nonzero")
		os.Exit(1)
	}

	records, err := readRoster(a.Roster)
	if err != nil {
		logger.Levelf(log.Critical, "chunkpeer: %v", err)
		os.Exit(1)
	}
	peers, err := chunkpeer.NewPeerTable(chunkpeer.PeerID(a.ID), records)
	if err != nil {
		logger.Levelf(log.Critical, "chunkpeer: %v", err)
		os.Exit(1)
	}

	inventory, err := store.Open(a.Inv)
	if err != nil {
		logger.Levelf(log.Critical, "chunkpeer: opening inventory %s: %v", a.Inv, err)
		os.Exit(1)
	}
	defer inventory.Close()

	self := peers.SelfRecord()
	socket, err := chunkpeer.NewSocket(self.Addr(), peers.Self)
	if err != nil {
		logger.Levelf(log.Critical, "chunkpeer: binding %s: %v", self.Addr(), err)
		os.Exit(1)
	}

	var fixedTimeout time.Duration
	if a.Timeout > 0 {
		fixedTimeout = time.Duration(a.Timeout) * time.Second
	}

	manager := chunkpeer.NewManager(peers, inventory, a.MaxConn, fixedTimeout, socket, logger)
	if metricsAddr, ok := os.LookupEnv("METRICS_ADDR"); ok {
		manager.SetMetrics(serveMetrics(metricsAddr, logger))
	}

	reactor := chunkpeer.NewReactor(socket, manager, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := reactor.Run(ctx, os.Stdin); err != nil {
		logger.Levelf(log.Critical, "chunkpeer: %v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
