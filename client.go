package fsgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// Client talks to a Server over a ClientTransport. It performs the
// initialization handshake, correlates requests with responses, answers
// server pings, and surfaces filesystem change pushes through a callback.
//
// A Client must be created with NewClient and connected with Connect before
// any request is made.
type Client struct {
	info      Info
	transport ClientTransport
	logger    *slog.Logger

	onFSChanged func(path string)

	sess       Session
	serverInfo Info
	serverCap  ServerCapabilities

	pendingLock sync.Mutex
	pending     map[MustString]chan JSONRPCMessage

	stopOnce sync.Once
	done     chan struct{}
}

// NewClient creates a new client with the given identity and transport.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		pending:   make(map[MustString]chan JSONRPCMessage),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "fsgate"),
			slog.String("component", "client"),
		)
	}
}

// WithFSChangedHandler sets the callback invoked for every
// notifications/fs/changed push from the server. The path is relative to the
// served root.
func WithFSChangedHandler(handler func(path string)) ClientOption {
	return func(c *Client) {
		c.onFSChanged = handler
	}
}

// Connect establishes the session and performs the initialization handshake.
// It must be called once before any request.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.sess = sess

	go c.listen()

	paramsBs, err := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	resMsg, err := c.request(ctx, methodInitialize, paramsBs)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	var res initializeResult
	if err := json.Unmarshal(resMsg.Result, &res); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	c.serverInfo = res.ServerInfo
	c.serverCap = res.Capabilities

	// Completing the handshake moves the session to its active state.
	if err := c.sess.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

// ServerInfo returns the server identity received during the handshake.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities received during the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCap
}

// ListOperations retrieves the server's operation catalog.
func (c *Client) ListOperations(ctx context.Context) (ListOperationsResult, error) {
	resMsg, err := c.request(ctx, MethodOperationsList, nil)
	if err != nil {
		return ListOperationsResult{}, err
	}

	var res ListOperationsResult
	if err := json.Unmarshal(resMsg.Result, &res); err != nil {
		return ListOperationsResult{}, fmt.Errorf("failed to unmarshal operations list: %w", err)
	}
	return res, nil
}

// CallOperation invokes a named operation. A failed operation is reported in
// the result's IsError flag, not through the returned error; the error return
// covers transport and protocol failures only.
func (c *Client) CallOperation(ctx context.Context, params CallParams) (CallResult, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return CallResult{}, fmt.Errorf("failed to marshal call params: %w", err)
	}

	resMsg, err := c.request(ctx, MethodOperationsCall, paramsBs)
	if err != nil {
		return CallResult{}, err
	}

	var res CallResult
	if err := json.Unmarshal(resMsg.Result, &res); err != nil {
		return CallResult{}, fmt.Errorf("failed to unmarshal call result: %w", err)
	}
	return res, nil
}

// Close tears the session down. When the transport supports a server-side
// close (the SSE message endpoint), the server is told first so the token is
// invalidated; otherwise only the local side stops. Closing twice is a no-op.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.done)

		type sessionCloser interface {
			Close(ctx context.Context) error
		}
		if closer, ok := c.sess.(sessionCloser); ok {
			err = closer.Close(ctx)
			return
		}
		c.sess.Stop()
	})
	return err
}

// request sends one request and waits for the matching response.
func (c *Client) request(ctx context.Context, method string, params json.RawMessage) (JSONRPCMessage, error) {
	msgID := MustString(uuid.New().String())

	results := make(chan JSONRPCMessage, 1)
	c.pendingLock.Lock()
	c.pending[msgID] = results
	c.pendingLock.Unlock()
	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, msgID)
		c.pendingLock.Unlock()
	}()

	if err := c.sess.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Method:  method,
		Params:  params,
	}); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case <-c.done:
		return JSONRPCMessage{}, errors.New("client is closed")
	case resMsg := <-results:
		if resMsg.Error != nil {
			return JSONRPCMessage{}, *resMsg.Error
		}
		return resMsg, nil
	}
}

// listen consumes the session's message stream, routing responses to their
// waiting requests and handling server-initiated messages.
func (c *Client) listen() {
	for msg := range c.sess.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Info("dropped message with invalid version", slog.Any("message", msg))
			continue
		}

		switch msg.Method {
		case methodPing:
			go func(msgID MustString) {
				pongCtx, pongCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer pongCancel()
				if err := c.sess.Send(pongCtx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
				}); err != nil {
					c.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
			}(msg.ID)
		case methodNotificationsFSChanged:
			if c.onFSChanged == nil {
				continue
			}
			var params FSChangedParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal fs changed params", "err", err)
				continue
			}
			c.onFSChanged(params.Path)
		case "":
			c.pendingLock.Lock()
			results, ok := c.pending[msg.ID]
			c.pendingLock.Unlock()
			if !ok {
				continue
			}
			select {
			case results <- msg:
			default:
			}
		}
	}
}
