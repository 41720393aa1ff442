package shell

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestShellHandle(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()
	h := Shell{Env: []string{"GREETING=hello"}}

	ok := json.RawMessage(`{"command":"sh","args":["-c","test \"$GREETING\" = hello && test \"$TARGET\" = world"],"env":{"TARGET":"world"}}`)
	if err := h.Handle(ctx, ok); err != nil {
		t.Fatalf("handle: %v", err)
	}

	err := h.Handle(ctx, json.RawMessage(`{"command":"sh","args":["-c","echo broken; exit 3"]}`))
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("err = %v, want output in error", err)
	}
}

func TestShellHandleTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := (Shell{}).Handle(ctx, json.RawMessage(`{"command":"sleep","args":["5"]}`)); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("command not killed on timeout")
	}
}

func TestShellHandleBadPayload(t *testing.T) {
	for _, p := range []string{`nope`, `{"args":["x"]}`} {
		if err := (Shell{}).Handle(context.Background(), json.RawMessage(p)); err == nil {
			t.Errorf("payload %s accepted", p)
		}
	}
}
