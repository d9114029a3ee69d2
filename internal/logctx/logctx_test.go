package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With("svc", "test")

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "GET", Path: "/v1/ws"})
	ctx = WithActor(ctx, "alice")
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", UserID: "alice"})
	log.InfoContext(ctx, "session.open")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["actor"] != "alice" || rec["svc"] != "test" {
		t.Fatalf("record = %v", rec)
	}
	req, _ := rec["req"].(map[string]any)
	if req["id"] != "r1" || req["path"] != "/v1/ws" {
		t.Fatalf("req group = %v", rec["req"])
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["id"] != "s1" || sess["resumed"] != false {
		t.Fatalf("sess group = %v", rec["sess"])
	}
}

func TestActor(t *testing.T) {
	if _, ok := Actor(context.Background()); ok {
		t.Fatal("empty context reported an actor")
	}
	if id, ok := Actor(WithActor(context.Background(), "bob")); !ok || id != "bob" {
		t.Fatalf("Actor() = %q, %v", id, ok)
	}
}
