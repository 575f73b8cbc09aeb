// Package version provides the client identification string printed in the
// startup banner.
package version

// ClientVersion identifies this implementation in log lines.
var ClientVersion = "chunkpeer/0.1"
