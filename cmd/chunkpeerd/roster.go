package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dannyzb/chunkpeer"
)

// readRoster parses a roster file: one "<id> <host> <port>" line per peer,
// blank lines and "#"-prefixed comments skipped. This is external-collaborator
// territory (spec.md's core is specified against an already-built
// *chunkpeer.PeerTable), so it lives in the CLI, not the engine package.
func readRoster(path string) ([]chunkpeer.PeerRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening roster file %s", path)
	}
	defer f.Close()

	var records []chunkpeer.PeerRecord
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("roster file %s line %d: expected 3 fields, got %d", path, lineNo, len(fields))
		}
		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("roster file %s line %d: invalid peer id %q", path, lineNo, fields[0])
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("roster file %s line %d: invalid port %q", path, lineNo, fields[2])
		}
		records = append(records, chunkpeer.PeerRecord{
			ID:   chunkpeer.PeerID(id),
			Host: fields[1],
			Port: port,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading roster file %s", path)
	}
	return records, nil
}
