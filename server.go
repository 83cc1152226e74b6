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

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server exposes a set of registered filesystem operations to remote clients
// over a request/response transport. It manages the session lifecycle, routes
// each inbound request to the session's handler context, and pushes
// filesystem change notifications to connected clients when a change streamer
// is configured.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	operations     map[string]Operation
	operationOrder []string

	changeStreamer ChangeStreamer

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onSessionCreated func(string)
	onSessionClosed  func(string)

	registry          *sessionRegistry
	sessionsWaitGroup *sync.WaitGroup

	done          chan struct{}
	changesClosed chan struct{}
}

type cancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a new server with the given identity and transport.
// Operations must be registered with RegisterOperation before calling Serve.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		transport:         transport,
		operations:        make(map[string]Operation),
		logger:            slog.Default(),
		registry:          newSessionRegistry(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
		changesClosed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	s.capabilities = ServerCapabilities{
		Operations: &OperationsCapability{},
	}
	if s.changeStreamer != nil {
		s.capabilities.Notifications = &NotificationsCapability{FSChanged: true}
	}

	return s
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithChangeStreamer returns a ServerOption that configures the source of
// filesystem change events broadcast to all active sessions.
func WithChangeStreamer(streamer ChangeStreamer) ServerOption {
	return func(s *Server) {
		s.changeStreamer = streamer
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping timeouts exceeds the threshold, the server
// will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnSessionCreated sets the callback for when a session is created.
// The callback's parameter is the session token.
func WithServerOnSessionCreated(onSessionCreated func(string)) ServerOption {
	return func(s *Server) {
		s.onSessionCreated = onSessionCreated
	}
}

// WithServerOnSessionClosed sets the callback for when a session is closed.
// The callback's parameter is the session token.
func WithServerOnSessionClosed(onSessionClosed func(string)) ServerOption {
	return func(s *Server) {
		s.onSessionClosed = onSessionClosed
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "fsgate"),
			slog.String("component", "server"),
		)
	}
}

// RegisterOperation adds a named operation to the server's catalog. It returns
// an error if the operation is incomplete or the name is already taken. All
// registrations must happen before Serve is called.
func (s *Server) RegisterOperation(op Operation) error {
	if op.Name == "" {
		return errors.New("operation name must not be empty")
	}
	if op.Handler == nil {
		return fmt.Errorf("operation %s has no handler", op.Name)
	}
	if _, ok := s.operations[op.Name]; ok {
		return fmt.Errorf("operation %s already registered", op.Name)
	}
	s.operations[op.Name] = op
	s.operationOrder = append(s.operationOrder, op.Name)
	return nil
}

// Serve starts the server and manages its lifecycle. It accepts client
// sessions from the transport, dispatches their requests, and broadcasts
// change notifications.
//
// Serve blocks until the server is shut down.
func (s *Server) Serve() {
	if s.changeStreamer != nil {
		go s.listenChanges()
	} else {
		close(s.changesClosed)
	}

	// This loop breaks when the transport is closed.
	for sess := range s.transport.Sessions() {
		sc := &sessionContext{
			sess:      sess,
			logger:    s.logger.With(slog.String("sessionID", sess.ID())),
			createdAt: time.Now(),
		}
		s.registry.add(sc)

		s.sessionsWaitGroup.Add(1)

		// The session closes itself when the client disconnects or when
		// consecutive pings fail beyond the threshold.
		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onSessionCreated != nil {
				s.onSessionCreated(sc.sess.ID())
			}

			s.dispatch(sc)

			s.registry.remove(sc.sess.ID())

			if s.onSessionClosed != nil {
				s.onSessionClosed(sc.sess.ID())
			}
		}()
	}
}

// Shutdown gracefully shuts down the server by terminating all active
// sessions and cleaning up resources. It returns an error if the shutdown
// process fails or the context is cancelled before it completes.
func (s *Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminate all sessions.
	close(s.done)

	// Wait for all session dispatch loops to finish.
	s.sessionsWaitGroup.Wait()

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close change streamer listener: %w", ctx.Err())
	case <-s.changesClosed:
	}

	return nil
}

// CloseSession force-closes the session with the given token, releasing its
// transport binding. Closing an unknown or already-closed token is a no-op.
// In-flight operations run to completion; their results are dropped.
func (s *Server) CloseSession(token string) {
	sc, ok := s.registry.get(token)
	if !ok {
		return
	}
	sc.sess.Stop()
}

// CloseAllSessions force-closes every active session. It is the
// administrative bulk reset: idempotent and immediate, with no effect on the
// root or the filesystem.
func (s *Server) CloseAllSessions() {
	for _, sc := range s.registry.snapshot() {
		sc.sess.Stop()
	}
}

// SessionCount reports the number of active sessions.
func (s *Server) SessionCount() int {
	return s.registry.count()
}

// listenChanges forwards change streamer events to every active session.
func (s *Server) listenChanges() {
	defer close(s.changesClosed)

	for path := range s.changeStreamer.Changes() {
		paramsBs, err := json.Marshal(FSChangedParams{Path: path})
		if err != nil {
			s.logger.Error("failed to marshal fs changed params", "err", err)
			continue
		}
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsFSChanged,
			Params:  paramsBs,
		}

		select {
		case <-s.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		for _, sc := range s.registry.snapshot() {
			if err := sc.sess.Send(ctx, msg); err != nil {
				sc.logger.Warn("failed to push fs change",
					slog.String("path", path),
					slog.String("err", err.Error()))
			}
		}
		cancel()
	}
}

// dispatch runs the per-session message loop. Requests within one session are
// handled concurrently; callers must not rely on ordering between distinct
// operations unless they await each one.
func (s *Server) dispatch(sc *sessionContext) {
	// This channel feeds the ping goroutine the message IDs we receive back
	// from the client.
	pingMessageIDs := make(chan MustString, 10)
	go s.ping(sc, pingMessageIDs)

	// Cancellations for in-flight requests, so the client can abort them.
	ctxCancels := make(map[MustString]context.CancelFunc)

	// Base context to cancel all in-flight handlers when the loop breaks.
	baseCtx, baseCancel := context.WithCancel(context.Background())

	// This loop breaks when the session is closed.
	for msg := range sc.sess.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			sc.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}
		switch msg.Method {
		case methodPing:
			go func(msgID MustString) {
				pongCtx, pongCancel := context.WithTimeout(context.Background(), s.pingTimeout)
				defer pongCancel()
				if err := sc.sess.Send(pongCtx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
				}); err != nil {
					sc.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
			}(msg.ID)
		case methodInitialize:
			go s.handleInitialize(sc, msg)
		case MethodOperationsList, MethodOperationsCall:
			if !sc.initialized {
				// A request arrived before the handshake completed. Unlike
				// a malformed call, this gets its own error code so the
				// client knows to start a session first.
				go s.sendError(sc, msg.ID, &JSONRPCError{
					Code:    jsonRPCNoSessionCode,
					Message: "no initialized session; send initialize first",
				})
				continue
			}
			reqCtx, reqCancel := context.WithCancel(baseCtx)
			ctxCancels[msg.ID] = reqCancel
			go s.handleRequest(reqCtx, sc, msg)
		case methodNotificationsInitialized:
			// The session with the client is established.
			sc.initialized = true
		case methodNotificationsCancelled:
			if !sc.initialized {
				continue
			}
			var params cancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				sc.logger.Info("failed to unmarshal cancelled params", slog.String("err", err.Error()))
				continue
			}
			cancel, ok := ctxCancels[params.RequestID]
			if ok {
				cancel()
			}
		case "":
			// A response from the client; only ping responses are expected.
			select {
			case <-s.done:
			case pingMessageIDs <- msg.ID:
			}
		}
	}

	// Cancel all in-flight handlers; they complete against a cancelled
	// context and their results are dropped.
	baseCancel()
	close(pingMessageIDs)
}

func (s *Server) handleInitialize(sc *sessionContext, msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.sendErrorCtx(ctx, sc, msg.ID, &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		})
		return
	}
	if params.ProtocolVersion != protocolVersion {
		s.sendErrorCtx(ctx, sc, msg.ID, &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		})
		return
	}

	sc.clientInfo = params.ClientInfo
	sc.logger.Info("session handshake",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version))

	resBs, _ := json.Marshal(initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	})
	if err := sc.sess.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}); err != nil {
		sc.logger.Error("failed to send initialization result", slog.String("err", err.Error()))
	}
}

// handleRequest executes one operations/* request and sends the response.
// Every failure is converted to a structured failure here; nothing escapes to
// crash the session.
func (s *Server) handleRequest(ctx context.Context, sc *sessionContext, msg JSONRPCMessage) {
	var result any
	var rpcErr *JSONRPCError

	switch msg.Method {
	case MethodOperationsList:
		result = s.listOperations()
	case MethodOperationsCall:
		result, rpcErr = s.callOperation(ctx, sc, msg.Params)
	}

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	if rpcErr != nil {
		sc.logger.Info("request failed",
			slog.String("method", msg.Method),
			slog.String("err", rpcErr.Error()))
		resMsg.Error = rpcErr
	} else {
		resMsg.Result, _ = json.Marshal(result)
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := sc.sess.Send(sendCtx, resMsg); err != nil {
		sc.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s *Server) listOperations() ListOperationsResult {
	infos := make([]OperationInfo, 0, len(s.operationOrder))
	for _, name := range s.operationOrder {
		op := s.operations[name]
		infos = append(infos, OperationInfo{
			Name:        op.Name,
			Description: op.Description,
			InputSchema: op.InputSchema,
		})
	}
	return ListOperationsResult{Operations: infos}
}

func (s *Server) callOperation(
	ctx context.Context,
	sc *sessionContext,
	rawParams json.RawMessage,
) (CallResult, *JSONRPCError) {
	var params CallParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return CallResult{}, &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	op, ok := s.operations[params.Name]
	if !ok {
		return CallResult{}, &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("operation not found: %s", params.Name),
		}
	}

	sc.calls.Add(1)

	res, err := op.Handler(ctx, params.Arguments)
	if err != nil {
		// Operation failures are results, not protocol errors; the typed
		// failure text travels in the content.
		return CallResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}, nil
	}

	return CallResult{Content: res.Content}, nil
}

func (s *Server) sendError(sc *sessionContext, msgID MustString, rpcErr *JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	s.sendErrorCtx(ctx, sc, msgID, rpcErr)
}

func (s *Server) sendErrorCtx(ctx context.Context, sc *sessionContext, msgID MustString, rpcErr *JSONRPCError) {
	if err := sc.sess.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Error:   rpcErr,
	}); err != nil {
		sc.logger.Error("failed to send error response", slog.String("err", err.Error()))
	}
}

// ping drives the session's liveness checks. Too many missed pongs close the
// session.
func (s *Server) ping(sc *sessionContext, messageIDs <-chan MustString) {
	defer sc.sess.Stop()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	var msgID MustString

	for {
		if failedPings > s.pingTimeoutThreshold {
			sc.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-s.done:
			return
		case id, ok := <-messageIDs:
			if !ok {
				return
			}
			// A response from the client; only a matching ID is a pong.
			if id != msgID {
				continue
			}
			sc.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			continue
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)

		msgID = MustString(uuid.New().String())

		if err := sc.sess.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		}); err != nil {
			sc.logger.Warn("failed to send ping to client",
				slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}
