// Package server runs the HTTP API and background workers together and
// shuts them down in order on SIGINT, SIGTERM or a closed shutdown channel.
//
// Closers registered with WithCloser run after the server and every worker
// have stopped, in reverse registration order.
package server
