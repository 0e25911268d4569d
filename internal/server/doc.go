// Package server hosts the WebSocket transport of the relay.
//
// A Hub tracks live connections by id and implements the broker's transport
// by queueing frames on each client's bounded send buffer. Each Client runs a
// read pump that turns invocation frames into Dispatcher calls and a write
// pump that drains its buffer to the socket. Server wires the HTTP routes:
// health, stats, the WebSocket endpoint and a browser test page.
package server
