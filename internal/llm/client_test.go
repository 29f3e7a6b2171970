package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, status int, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}))
}

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestStreamTextAndUsage(t *testing.T) {
	srv := sseServer(t, http.StatusOK,
		`{"choices":[{"delta":{"content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		`[DONE]`,
	)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key")
	events, err := c.Stream(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var text strings.Builder
	var usage *Usage
	sawDone := false
	for _, ev := range collect(t, events) {
		switch ev.Type {
		case EventTextDelta:
			text.WriteString(ev.Text)
		case EventUsage:
			usage = ev.Usage
		case EventDone:
			sawDone = true
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	if text.String() != "hello" {
		t.Errorf("text = %q", text.String())
	}
	if usage == nil || usage.PromptTokens != 7 || usage.TotalTokens != 9 {
		t.Errorf("usage = %+v", usage)
	}
	if !sawDone {
		t.Error("no done event")
	}
}

func TestStreamToolCallFragments(t *testing.T) {
	srv := sseServer(t, http.StatusOK,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"view"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"/tmp/f\"}"}}]}}]}`,
		`[DONE]`,
	)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key")
	events, err := c.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}

	acc := NewAccumulator()
	for _, ev := range collect(t, events) {
		acc.Feed(ev)
	}
	calls := acc.Proposals()
	if len(calls) != 1 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].ID != "call_1" || calls[0].Name != "view" {
		t.Errorf("call = %+v", calls[0])
	}
	if string(calls[0].Arguments) != `{"path":"/tmp/f"}` {
		t.Errorf("arguments = %s", calls[0].Arguments)
	}
}

func TestStreamTruncatedIsInvalidStream(t *testing.T) {
	// No [DONE] terminator.
	srv := sseServer(t, http.StatusOK, `{"choices":[{"delta":{"content":"partial"}}]}`)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key")
	events, err := c.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}

	var streamErr error
	for _, ev := range collect(t, events) {
		if ev.Type == EventError {
			streamErr = ev.Err
		}
	}
	if streamErr == nil || !IsInvalidStream(streamErr) {
		t.Errorf("err = %v, want invalid stream", streamErr)
	}
}

func TestStreamHTTPErrorStatus(t *testing.T) {
	srv := sseServer(t, http.StatusBadGateway)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key")
	if _, err := c.Stream(context.Background(), Request{Model: "m"}); err == nil {
		t.Error("expected error for non-200 status")
	}
}

func TestOAuthTokenSource(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", WithOAuth(func(ctx context.Context) (string, error) {
		return "oauth-token-123", nil
	}))
	events, err := c.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, events)
	if gotAuth != "Bearer oauth-token-123" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestOAuthTokenFailure(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:0", "", WithOAuth(func(ctx context.Context) (string, error) {
		return "", errors.New("no token")
	}))
	if _, err := c.Stream(context.Background(), Request{Model: "m"}); err == nil {
		t.Error("expected token resolution error")
	}
}
