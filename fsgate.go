package fsgate

import (
	"context"
	"encoding/json"
	"iter"
)

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are
	// initiated. Each yielded Session represents a unique client connection and
	// provides methods for bidirectional communication. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources.
	// The implementations should not close the Sessions it produced, the caller
	// would already do that when calling this method. The caller is guaranteed
	// to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// StartSession initiates a new session with the server. Operations are
	// canceled when the context is canceled, and appropriate errors are
	// returned for connection failures.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and
// client: a request/response correlation channel that may be held open for
// server-initiated messages.
type Session interface {
	// ID returns the unique identifier for this session. The implementation
	// must guarantee that session IDs are unique across all active sessions
	// and unguessable by other clients.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the
	// other party. The implementations should exit the iteration when the
	// session is closed.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session and releases its transport binding. It is safe
	// to call more than once.
	Stop()
}

// OperationHandler executes one registered operation. The arguments are the
// raw JSON object from the request; the handler returns the result content or
// an error which the dispatch layer converts into a failure result.
type OperationHandler func(ctx context.Context, args json.RawMessage) (OperationResult, error)

// OperationResult is the successful payload of an operation: one or more
// pieces of textual content describing the effect.
type OperationResult struct {
	Content []Content
}

// Operation binds a name and an input schema to a handler. Operations are
// registered on a Server before serving and exposed to clients through
// operations/list.
type Operation struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     OperationHandler
}

// ChangeStreamer provides a stream of filesystem change events, relative to
// the served root, that the server broadcasts to all active sessions as
// notifications/fs/changed pushes.
type ChangeStreamer interface {
	// Changes returns an iterator that emits changed paths. The iteration ends
	// when the streamer is closed.
	Changes() iter.Seq[string]
}
