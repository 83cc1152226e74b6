// Package fsgate provides the session and transport layer for serving a
// restricted view of a directory tree to remote clients.
//
// A Server speaks JSON-RPC over a ServerTransport. Each connection becomes a
// session: the client performs an initialize handshake, then calls the
// operations the server registered. Requests sent before the handshake
// completes are rejected. Sessions are tracked by token and can be closed
// individually or all at once; a closed token is never reused.
//
// Two transports ship with the package. SSEServer serves sessions over HTTP
// using server-sent events for the server-to-client stream and plain POSTs
// for the client-to-server direction. StdIO serves a single session over a
// reader and writer pair, framed as newline-delimited JSON.
//
// Filesystem change notifications are pushed to every active session when the
// server is given a ChangeStreamer.
//
// The operations themselves live in the ops package, path containment in the
// guard package, and change detection in the watch package.
package fsgate
