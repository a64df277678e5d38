// Package server is the network side of the chat: configuration, the
// websocket transport with its read and write pumps, the REST API and the
// server lifecycle.
//
// Every websocket is authenticated before it is upgraded. Once admitted, a
// connection's read pump is the only goroutine that routes its events and it
// disconnects the session exactly once when it stops.
package server
