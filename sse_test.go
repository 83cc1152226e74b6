package fsgate_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/fsgate"
	"github.com/MegaGrindStone/fsgate/ops"
)

type sseFixture struct {
	httpSrv   *httptest.Server
	transport *fsgate.SSEServer
}

func newSSEFixture(t *testing.T) sseFixture {
	t.Helper()

	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)

	transport := fsgate.NewSSEServer(httpSrv.URL + "/message")
	mux.Handle("/sse", transport.HandleSSE())
	mux.Handle("/message", transport.HandleMessage())

	return sseFixture{
		httpSrv:   httpSrv,
		transport: transport,
	}
}

func (f sseFixture) connectURL() string {
	return f.httpSrv.URL + "/sse"
}

func (f sseFixture) messageURL(token string) string {
	return f.httpSrv.URL + "/message?sessionID=" + token
}

func TestSSEEndToEnd(t *testing.T) {
	fixture := newSSEFixture(t)
	srv := newTestServer(t, fixture.transport)
	go srv.Serve()

	cli := connectTestClient(t, fsgate.NewSSEClient(fixture.connectURL(), fixture.httpSrv.Client()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	list, err := cli.ListOperations(ctx)
	if err != nil {
		t.Fatalf("Failed to list operations: %v", err)
	}
	if len(list.Operations) != 11 {
		t.Errorf("Expected 11 operations, got %d", len(list.Operations))
	}

	result := callText(t, cli, "write", ops.WriteArgs{Path: "hello.txt", Content: "hello"})
	if result.IsError {
		t.Fatalf("Expected write to succeed, got %v", result.Content)
	}
	result = callText(t, cli, "read", ops.ReadArgs{Path: "hello.txt"})
	if result.IsError || result.Content[0].Text != "hello" {
		t.Fatalf("Expected to read back 'hello', got %v", result.Content)
	}

	waitForSessionCount(t, srv, 1)

	// Close tells the server to drop the token.
	if err := cli.Close(ctx); err != nil {
		t.Errorf("Failed to close client: %v", err)
	}
	waitForSessionCount(t, srv, 0)

	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Failed to shut down server: %v", err)
	}
}

func TestSSEConcurrentSessions(t *testing.T) {
	fixture := newSSEFixture(t)
	srv := newTestServer(t, fixture.transport)
	go srv.Serve()

	cliA := connectTestClient(t, fsgate.NewSSEClient(fixture.connectURL(), fixture.httpSrv.Client()))
	cliB := connectTestClient(t, fsgate.NewSSEClient(fixture.connectURL(), fixture.httpSrv.Client()))

	waitForSessionCount(t, srv, 2)

	// Both sessions see the same root.
	result := callText(t, cliA, "write", ops.WriteArgs{Path: "shared.txt", Content: "from A"})
	if result.IsError {
		t.Fatalf("Expected write to succeed, got %v", result.Content)
	}
	result = callText(t, cliB, "read", ops.ReadArgs{Path: "shared.txt"})
	if result.IsError || result.Content[0].Text != "from A" {
		t.Fatalf("Expected B to read A's write, got %v", result.Content)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Closing one session leaves the other alone.
	if err := cliA.Close(ctx); err != nil {
		t.Errorf("Failed to close client A: %v", err)
	}
	waitForSessionCount(t, srv, 1)

	result = callText(t, cliB, "read", ops.ReadArgs{Path: "shared.txt"})
	if result.IsError {
		t.Errorf("Expected B to keep working, got %v", result.Content)
	}

	cliB.Close(ctx)
	srv.Shutdown(ctx)
}

func TestSSEMessageUnknownToken(t *testing.T) {
	fixture := newSSEFixture(t)
	srv := newTestServer(t, fixture.transport)
	go srv.Serve()

	body := strings.NewReader(`{"jsonrpc":"2.0","id":"1","method":"operations/list"}`)
	resp, err := http.Post(fixture.messageURL("bogus-token"), "application/json", body)
	if err != nil {
		t.Fatalf("Failed to post message: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}

	var msg fsgate.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	if msg.Error == nil {
		t.Fatal("Expected error in body, got none")
	}
	if msg.Error.Code != -32001 {
		t.Errorf("Expected no-session code, got %d", msg.Error.Code)
	}
	if !strings.Contains(msg.Error.Message, "bogus-token") {
		t.Errorf("Expected token in error message, got %s", msg.Error.Message)
	}

	srv.Shutdown(context.Background())
}

func TestSSEMessageMissingToken(t *testing.T) {
	fixture := newSSEFixture(t)
	srv := newTestServer(t, fixture.transport)
	go srv.Serve()

	resp, err := http.Post(fixture.httpSrv.URL+"/message", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("Failed to post message: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}

	srv.Shutdown(context.Background())
}

func TestSSECloseIdempotent(t *testing.T) {
	fixture := newSSEFixture(t)
	srv := newTestServer(t, fixture.transport)
	go srv.Serve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sseCli := fsgate.NewSSEClient(fixture.connectURL(), fixture.httpSrv.Client())
	sess, err := sseCli.StartSession(ctx)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	token := sess.ID()
	if token == "" {
		t.Fatal("Expected a session token")
	}

	waitForSessionCount(t, srv, 1)

	doDelete := func() int {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fixture.messageURL(token), nil)
		if err != nil {
			t.Fatalf("Failed to create delete request: %v", err)
		}
		resp, err := fixture.httpSrv.Client().Do(req)
		if err != nil {
			t.Fatalf("Failed to send delete request: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := doDelete(); code != http.StatusOK {
		t.Errorf("Expected status 200 on close, got %d", code)
	}
	waitForSessionCount(t, srv, 0)

	// Closing again is a no-op success.
	if code := doDelete(); code != http.StatusOK {
		t.Errorf("Expected status 200 on repeated close, got %d", code)
	}

	// A closed token is never resurrected: posting to it is rejected once the
	// binding is released.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Post(fixture.messageURL(token), "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":"1","method":"operations/list"}`))
		if err != nil {
			t.Fatalf("Failed to post message: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected status 404 for closed token, still getting %d", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sess.Stop()
	srv.Shutdown(ctx)
}
