package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/anamnese/internal/auth"
	"github.com/MrWong99/anamnese/internal/connreg"
	"github.com/MrWong99/anamnese/internal/delivery"
	"github.com/MrWong99/anamnese/internal/gateway"
)

func startHub(t *testing.T, v auth.Verifier) (*gateway.Hub, *connreg.Memory, string) {
	t.Helper()
	reg := connreg.NewMemory()
	hub := gateway.NewHub(reg, v, gateway.WithWriteTimeout(2*time.Second))
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// waitConnections polls the registry until it holds want entries.
func waitConnections(t *testing.T, reg connreg.Registry, userID, conversationID string, want int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ids, err := reg.Lookup(context.Background(), userID, conversationID)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if len(ids) == want {
			return ids
		}
		if time.Now().After(deadline) {
			t.Fatalf("registry holds %d connections, want %d", len(ids), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_RefusesMissingConversation(t *testing.T) {
	t.Parallel()
	_, _, url := startHub(t, auth.Insecure{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url+"/ws?token=u1", nil)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("want 400, got %+v", resp)
	}
}

func TestHub_RefusesInvalidToken(t *testing.T) {
	t.Parallel()
	_, reg, url := startHub(t, auth.NewJWT([]byte("secret")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url+"/ws?conversationId=c1&token=forged", nil)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("want 401, got %+v", resp)
	}
	if ids, _ := reg.Lookup(context.Background(), "forged", "c1"); len(ids) != 0 {
		t.Errorf("refused connection was registered: %v", ids)
	}
}

func TestHub_PushThenClose(t *testing.T) {
	t.Parallel()
	hub, reg, url := startHub(t, auth.Insecure{})
	conn := dial(t, url+"/ws?conversationId=c1&token=u1")

	ids := waitConnections(t, reg, "u1", "c1", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := hub.Push(ctx, ids[0], delivery.Failure("insufficient information")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v, want text", typ)
	}
	var got delivery.Payload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Success || got.Type != "summarization" || got.Error == nil || got.Error.Message != "insufficient information" {
		t.Errorf("payload = %s", data)
	}

	// The close handshake needs the client to keep reading.
	closed := make(chan error, 1)
	go func() { closed <- hub.Close(ctx, ids[0]) }()

	_, _, err = conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", status, err)
	}
	if err := <-closed; err != nil {
		t.Errorf("Close: %v", err)
	}

	waitConnections(t, reg, "u1", "c1", 0)
	if err := hub.Push(ctx, ids[0], delivery.Failure("again")); !errors.Is(err, delivery.ErrGone) {
		t.Errorf("push after close: want ErrGone, got %v", err)
	}
}

func TestHub_ClientDisconnectRemovesRegistration(t *testing.T) {
	t.Parallel()
	hub, reg, url := startHub(t, auth.Insecure{})
	conn := dial(t, url+"/ws?conversationId=c2&token=u1")

	waitConnections(t, reg, "u1", "c2", 1)
	if hub.Len() != 1 {
		t.Errorf("Len = %d, want 1", hub.Len())
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitConnections(t, reg, "u1", "c2", 0)
	if hub.Len() != 0 {
		t.Errorf("Len after disconnect = %d, want 0", hub.Len())
	}
}

func TestHub_PushUnknownConnection(t *testing.T) {
	t.Parallel()
	hub := gateway.NewHub(connreg.NewMemory(), auth.Insecure{})
	err := hub.Push(context.Background(), "nope", delivery.Failure("x"))
	if !errors.Is(err, delivery.ErrGone) {
		t.Errorf("want ErrGone, got %v", err)
	}
	if err := hub.Close(context.Background(), "nope"); err != nil {
		t.Errorf("Close(unknown) = %v, want nil", err)
	}
}

func TestHub_AttachFailureRefusesConnection(t *testing.T) {
	t.Parallel()
	reg := connreg.NewMemory()
	hub := gateway.NewHub(reg, auth.Insecure{}, gateway.WithAttach(func(string) (func(), error) {
		return nil, errors.New("relay down")
	}))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?conversationId=c3&token=u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusInternalError {
		t.Errorf("close status = %v, want internal error", status)
	}
	if ids, _ := reg.Lookup(ctx, "u1", "c3"); len(ids) != 0 {
		t.Errorf("connection registered despite attach failure: %v", ids)
	}
}
