package fsgate_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/fsgate"
	"github.com/MegaGrindStone/fsgate/ops"
)

type testPipes struct {
	server fsgate.StdIO
	client fsgate.StdIO
}

func newTestPipes() testPipes {
	srvReader, cliWriter := io.Pipe()
	cliReader, srvWriter := io.Pipe()

	return testPipes{
		server: fsgate.NewStdIO(srvReader, srvWriter),
		client: fsgate.NewStdIO(cliReader, cliWriter),
	}
}

// fakeStreamer feeds change paths from a channel; closing the channel ends
// the stream.
type fakeStreamer struct {
	paths chan string
}

func (f fakeStreamer) Changes() iter.Seq[string] {
	return func(yield func(string) bool) {
		for path := range f.paths {
			if !yield(path) {
				return
			}
		}
	}
}

func newTestServer(t *testing.T, transport fsgate.ServerTransport, options ...fsgate.ServerOption) *fsgate.Server {
	t.Helper()

	set, err := ops.NewSet(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create operation set: %v", err)
	}

	srv := fsgate.NewServer(fsgate.Info{
		Name:    "fsgate-test",
		Version: "1.0",
	}, transport, options...)

	for _, op := range set.Operations() {
		if err := srv.RegisterOperation(op); err != nil {
			t.Fatalf("Failed to register operation %s: %v", op.Name, err)
		}
	}

	return srv
}

func connectTestClient(t *testing.T, transport fsgate.ClientTransport, options ...fsgate.ClientOption) *fsgate.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cli := fsgate.NewClient(fsgate.Info{
		Name:    "test-client",
		Version: "1.0",
	}, transport, options...)
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect client: %v", err)
	}
	return cli
}

func callText(t *testing.T, cli *fsgate.Client, name string, args any) fsgate.CallResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	argsBs, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("Failed to marshal arguments: %v", err)
	}
	result, err := cli.CallOperation(ctx, fsgate.CallParams{
		Name:      name,
		Arguments: argsBs,
	})
	if err != nil {
		t.Fatalf("Failed to call %s: %v", name, err)
	}
	return result
}

func TestRegisterOperation(t *testing.T) {
	pipes := newTestPipes()
	srv := newTestServer(t, pipes.server)

	handler := func(context.Context, json.RawMessage) (fsgate.OperationResult, error) {
		return fsgate.OperationResult{}, nil
	}

	if err := srv.RegisterOperation(fsgate.Operation{Handler: handler}); err == nil {
		t.Error("Expected error for empty name, got none")
	}
	if err := srv.RegisterOperation(fsgate.Operation{Name: "noop"}); err == nil {
		t.Error("Expected error for missing handler, got none")
	}
	if err := srv.RegisterOperation(fsgate.Operation{Name: "read", Handler: handler}); err == nil {
		t.Error("Expected error for duplicate name, got none")
	}
}

func TestServerClientEndToEnd(t *testing.T) {
	pipes := newTestPipes()
	srv := newTestServer(t, pipes.server)
	go srv.Serve()

	cli := connectTestClient(t, pipes.client)

	if cli.ServerInfo().Name != "fsgate-test" {
		t.Errorf("Expected server name fsgate-test, got %s", cli.ServerInfo().Name)
	}
	if cli.ServerCapabilities().Operations == nil {
		t.Error("Expected operations capability to be advertised")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	list, err := cli.ListOperations(ctx)
	if err != nil {
		t.Fatalf("Failed to list operations: %v", err)
	}
	if len(list.Operations) != 11 {
		t.Errorf("Expected 11 operations, got %d", len(list.Operations))
	}
	if list.Operations[0].Name != "list" {
		t.Errorf("Expected first operation list, got %s", list.Operations[0].Name)
	}

	result := callText(t, cli, "write", ops.WriteArgs{Path: "hello.txt", Content: "hello"})
	if result.IsError {
		t.Fatalf("Expected write to succeed, got %v", result.Content)
	}

	result = callText(t, cli, "read", ops.ReadArgs{Path: "hello.txt"})
	if result.IsError {
		t.Fatalf("Expected read to succeed, got %v", result.Content)
	}
	if result.Content[0].Text != "hello" {
		t.Errorf("Expected content 'hello', got '%s'", result.Content[0].Text)
	}

	// A failed operation travels as a flagged result, not a protocol error.
	result = callText(t, cli, "read", ops.ReadArgs{Path: "missing.txt"})
	if !result.IsError {
		t.Error("Expected read of missing file to be flagged as an error")
	}
	if !strings.Contains(result.Content[0].Text, "not found") {
		t.Errorf("Expected not found in error text, got %s", result.Content[0].Text)
	}

	if err := cli.Close(ctx); err != nil {
		t.Errorf("Failed to close client: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Failed to shut down server: %v", err)
	}
}

func TestCallUnknownOperation(t *testing.T) {
	pipes := newTestPipes()
	srv := newTestServer(t, pipes.server)
	go srv.Serve()

	cli := connectTestClient(t, pipes.client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := cli.CallOperation(ctx, fsgate.CallParams{
		Name:      "nope",
		Arguments: json.RawMessage(`{}`),
	})
	if err == nil {
		t.Fatal("Expected error for unknown operation, got none")
	}
	var rpcErr fsgate.JSONRPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Expected a protocol error, got %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("Expected method not found code, got %d", rpcErr.Code)
	}

	cli.Close(ctx)
	srv.Shutdown(ctx)
}

func TestRequestBeforeInitialize(t *testing.T) {
	pipes := newTestPipes()
	srv := newTestServer(t, pipes.server)
	go srv.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := pipes.client.StartSession(ctx)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	// Skip the handshake and go straight to a request.
	if err := sess.Send(ctx, fsgate.JSONRPCMessage{
		JSONRPC: fsgate.JSONRPCVersion,
		ID:      fsgate.MustString("1"),
		Method:  fsgate.MethodOperationsList,
	}); err != nil {
		t.Fatalf("Failed to send request: %v", err)
	}

	responses := make(chan fsgate.JSONRPCMessage, 1)
	go func() {
		for msg := range sess.Messages() {
			if msg.ID == fsgate.MustString("1") {
				responses <- msg
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		t.Fatal("Timed out waiting for response")
	case msg := <-responses:
		if msg.Error == nil {
			t.Fatal("Expected error response, got none")
		}
		if msg.Error.Code != -32001 {
			t.Errorf("Expected no-session code, got %d", msg.Error.Code)
		}
		if !strings.Contains(msg.Error.Message, "initialize") {
			t.Errorf("Expected hint to initialize first, got %s", msg.Error.Message)
		}
	}

	sess.Stop()
	srv.Shutdown(ctx)
}

func TestCloseAllSessions(t *testing.T) {
	pipes := newTestPipes()

	closedTokens := make(chan string, 1)
	srv := newTestServer(t, pipes.server,
		fsgate.WithServerOnSessionClosed(func(token string) {
			closedTokens <- token
		}),
	)
	go srv.Serve()

	cli := connectTestClient(t, pipes.client)

	waitForSessionCount(t, srv, 1)

	srv.CloseAllSessions()
	waitForSessionCount(t, srv, 0)

	var closedToken string
	select {
	case closedToken = <-closedTokens:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the session closed callback")
	}

	// The token is gone; the same call is now a no-op.
	srv.CloseSession(closedToken)
	srv.CloseAllSessions()

	// The closed session does not come back for new requests.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := cli.ListOperations(ctx); err == nil {
		t.Error("Expected request on closed session to fail")
	}
	if srv.SessionCount() != 0 {
		t.Errorf("Expected no sessions after failed request, got %d", srv.SessionCount())
	}

	srv.Shutdown(context.Background())
}

func TestFSChangedNotification(t *testing.T) {
	pipes := newTestPipes()

	streamer := fakeStreamer{paths: make(chan string)}
	srv := newTestServer(t, pipes.server, fsgate.WithChangeStreamer(streamer))
	go srv.Serve()

	changed := make(chan string, 1)
	cli := connectTestClient(t, pipes.client,
		fsgate.WithFSChangedHandler(func(path string) {
			changed <- path
		}),
	)

	if cli.ServerCapabilities().Notifications == nil || !cli.ServerCapabilities().Notifications.FSChanged {
		t.Error("Expected fs changed capability to be advertised")
	}

	waitForSessionCount(t, srv, 1)

	streamer.paths <- "sub/f.txt"

	select {
	case path := <-changed:
		if path != "sub/f.txt" {
			t.Errorf("Expected change for sub/f.txt, got %s", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for change notification")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli.Close(ctx)
	close(streamer.paths)
	srv.Shutdown(ctx)
}

func waitForSessionCount(t *testing.T, srv *fsgate.Server, want int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if srv.SessionCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for session count %d, got %d", want, srv.SessionCount())
}
