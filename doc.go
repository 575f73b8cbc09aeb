// Package chunkpeer implements the peer-to-peer chunk-transfer engine: the
// discovery handshake, a reliable delivery protocol layered on UDP
// datagrams, and the scheduler that multiplexes concurrent uploads and
// downloads between peers in a static roster.
//
// Loading the roster and local inventory from files, and parsing the CLI
// surface, live in cmd/chunkpeerd; this package only ever sees already
// parsed data.
package chunkpeer
