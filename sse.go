package fsgate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) transport
// for managing bidirectional client communication. Server-to-client messages
// stream over SSE; client-to-server messages arrive via HTTP POST on the
// message endpoint, and HTTP DELETE on the same endpoint closes the session.
//
// Opening the SSE stream mints a session eagerly: the first event on the
// stream is the message endpoint URL carrying the session token. The token is
// a random UUID, so it cannot be enumerated by other clients.
//
// Instances should be created using NewSSEServer and shut down using Shutdown
// when no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions chan *sseServerSession

	// bindings is the transport's view of live connections, keyed by session
	// token. It lets the message endpoint route and reject without going
	// through the main loop.
	mu       sync.Mutex
	bindings map[string]*sseServerSession

	done   chan struct{}
	closed chan struct{}
}

// SSEClient implements the client side of the SSE transport. It receives
// server messages over the SSE stream and posts its own messages to the
// endpoint announced by the server. Instances should be created using
// NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendMsgs     chan sseSendMsg
	receivedMsgs chan JSONRPCMessage

	stopOnce       sync.Once
	done           chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	messages chan JSONRPCMessage

	stopOnce sync.Once
	done     chan struct{}
}

// NewSSEServer creates an SSE transport whose clients post their messages to
// messageURL. The returned server is immediately operational; pass its
// handlers to any HTTP mux.
func NewSSEServer(messageURL string, options ...func(*SSEServer)) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		sessions:   make(chan *sseServerSession, 5),
		bindings:   make(map[string]*sseServerSession),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE transport.
func WithSSEServerLogger(logger *slog.Logger) func(*SSEServer) {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "fsgate"),
			slog.String("component", "sse"),
		)
	}
}

// NewSSEClient creates an SSE client that connects to the given URL. A nil
// httpClient falls back to http.DefaultClient.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of a payload received from
// the server. Larger payloads end the session.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// Sessions implements the ServerTransport interface. The iterator yields a
// Session for every client that opens the SSE stream.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()

				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown gracefully shuts down the SSE transport. This method blocks until
// the Sessions loop has exited.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for opening SSE streams over GET
// requests. Each connection is upgraded, assigned a fresh session token, and
// told its message endpoint through the initial "endpoint" event. The
// connection stays open until the session is stopped or the client leaves.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Tell the client where to post its messages for this session.
		endpointURL := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpointURL)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write SSE URL: %w", err)
			s.logger.Error("failed to write SSE URL", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}
		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := &sseServerSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger,
			sendMsgs:       make(chan sseSendMsg, 5),
			receivedMsgs:   make(chan JSONRPCMessage, 5),
			done:           make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		s.mu.Lock()
		s.bindings[sessID] = srvSession
		s.mu.Unlock()

		// Feed the sessions channel consumed by the Sessions loop.
		select {
		case s.sessions <- srvSession:
		case <-s.done:
			s.unbind(sessID)
			return
		}

		// Stop the session when the client drops the stream.
		go func() {
			select {
			case <-r.Context().Done():
				srvSession.Stop()
			case <-srvSession.done:
			}
		}()

		// Block until the session is closed, keeping the connection open.
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		s.unbind(sessID)
	})
}

// HandleMessage returns an http.Handler for the message endpoint. POST
// delivers a JSON-encoded message to the session named by the sessionID query
// parameter; DELETE closes that session. POSTs for unknown or already-closed
// sessions are rejected with a protocol-ordering error so clients know to
// re-establish a session rather than retry the call.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := errors.New("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		if r.Method == http.MethodDelete {
			// Closing is idempotent: a token that is unknown or already
			// closed is a no-op success.
			s.mu.Lock()
			sess, ok := s.bindings[sessID]
			s.mu.Unlock()
			if ok {
				sess.Stop()
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		s.mu.Lock()
		sess, ok := s.bindings[sessID]
		s.mu.Unlock()
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			resBs, _ := json.Marshal(JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				Error: &JSONRPCError{
					Code:    jsonRPCNoSessionCode,
					Message: fmt.Sprintf("no session with token %s; open the SSE stream first", sessID),
				},
			})
			_, _ = w.Write(resBs)
			return
		}

		decoder := json.NewDecoder(r.Body)
		var msg JSONRPCMessage
		if err := decoder.Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
		case <-sess.done:
		case sess.receivedMsgs <- msg:
		}
	})
}

func (s *SSEServer) unbind(sessID string) {
	s.mu.Lock()
	delete(s.bindings, sessID)
	s.mu.Unlock()
}

// StartSession implements the ClientTransport interface. It opens the SSE
// stream, waits for the endpoint event announcing the message URL, and
// returns the established session.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		httpClient: s.httpClient,
		logger:     s.logger,
		messages:   make(chan JSONRPCMessage),
		done:       make(chan struct{}),
	}

	ready := make(chan error, 1)
	go sess.listenSSEMessages(resp.Body, ready, s.maxPayloadSize)

	select {
	case <-ctx.Done():
		resp.Body.Close()
		return nil, ctx.Err()
	case err, ok := <-ready:
		if ok && err != nil {
			resp.Body.Close()
			return nil, err
		}
	}

	return sess, nil
}

func (s *sseClientSession) listenSSEMessages(body io.ReadCloser, ready chan<- error, maxPayloadSize int) {
	defer func() {
		body.Close()
		close(s.messages)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// The endpoint URL carries the session token; everything the
			// client sends goes there.
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			s.messageURL = u.String()
			s.id = u.Query().Get("sessionID")
			close(ready)
		case "message":
			// No messages are processed before the endpoint URL is known;
			// the connection is not fully established until then.
			if s.messageURL == "" {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}

func (s *sseClientSession) ID() string { return s.id }

func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	r := bytes.NewReader(msgBs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

// Close tells the server to tear the session down, then stops the local side.
func (s *sseClientSession) Close(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.messageURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	resp.Body.Close()

	s.Stop()
	return nil
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error)

	// Queue the message for sending to avoid races in the sse library.
	select {
	case s.sendMsgs <- sseSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return errors.New("session is closed")
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.logger.Warn("session is closed while sending message", slog.String("message", string(msgBs)))
		return errors.New("session is closed")
	}
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

// Stop closes the session and releases the SSE connection. Safe to call more
// than once.
func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}

			select {
			case sm.errs <- nil:
			default:
			}
		case <-s.done:
			return
		}
	}
}
