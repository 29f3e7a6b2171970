package idempotency

import (
	"bytes"
	"testing"
	"time"
)

func TestLookupFreshThenReplay(t *testing.T) {
	s := New(time.Hour)
	req := Request{Method: "POST", Path: "/v1/sessions", Key: "K", Body: []byte(`{"title":"t"}`)}

	outcome, _ := s.Lookup(req)
	if outcome != Fresh {
		t.Fatalf("first lookup = %v, want Fresh", outcome)
	}

	s.Save(req, Response{StatusCode: 201, Body: []byte(`{"id":"abc"}`)})

	outcome, resp := s.Lookup(req)
	if outcome != Replay {
		t.Fatalf("second lookup = %v, want Replay", outcome)
	}
	if resp.StatusCode != 201 || !bytes.Equal(resp.Body, []byte(`{"id":"abc"}`)) {
		t.Errorf("replayed response = %+v", resp)
	}
}

func TestConflictOnDifferentPayload(t *testing.T) {
	s := New(time.Hour)
	a := Request{Method: "POST", Path: "/v1/sessions", Key: "K", Body: []byte(`{"title":"a"}`)}
	b := Request{Method: "POST", Path: "/v1/sessions", Key: "K", Body: []byte(`{"title":"b"}`)}

	s.Save(a, Response{StatusCode: 201, Body: []byte(`{}`)})

	outcome, _ := s.Lookup(b)
	if outcome != Conflict {
		t.Errorf("lookup with different body = %v, want Conflict", outcome)
	}
}

func TestKeyScopedByMethodAndPath(t *testing.T) {
	s := New(time.Hour)
	a := Request{Method: "POST", Path: "/v1/sessions", Key: "K", Body: []byte(`{}`)}
	b := Request{Method: "POST", Path: "/v1/other", Key: "K", Body: []byte(`{}`)}

	s.Save(a, Response{StatusCode: 201})
	if outcome, _ := s.Lookup(b); outcome != Fresh {
		t.Errorf("same key on different path = %v, want Fresh", outcome)
	}
}

func TestEmptyKeyBypasses(t *testing.T) {
	s := New(time.Hour)
	req := Request{Method: "POST", Path: "/p", Key: "", Body: []byte(`{}`)}
	s.Save(req, Response{StatusCode: 201})
	if outcome, _ := s.Lookup(req); outcome != Fresh {
		t.Errorf("empty key should never match, got %v", outcome)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := New(time.Hour)
	current := time.Unix(1000, 0)
	s.now = func() time.Time { return current }

	req := Request{Method: "POST", Path: "/p", Key: "K", Body: []byte(`{}`)}
	s.Save(req, Response{StatusCode: 201})

	current = current.Add(2 * time.Hour)
	if outcome, _ := s.Lookup(req); outcome != Fresh {
		t.Errorf("expired entry should be Fresh, got %v", outcome)
	}
}

func TestSweep(t *testing.T) {
	s := New(time.Hour)
	current := time.Unix(1000, 0)
	s.now = func() time.Time { return current }

	s.Save(Request{Method: "POST", Path: "/a", Key: "K1", Body: nil}, Response{})
	current = current.Add(30 * time.Minute)
	s.Save(Request{Method: "POST", Path: "/b", Key: "K2", Body: nil}, Response{})
	current = current.Add(45 * time.Minute)

	if removed := s.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d entries, want 1", removed)
	}
	if outcome, _ := s.Lookup(Request{Method: "POST", Path: "/b", Key: "K2", Body: nil}); outcome != Replay {
		t.Errorf("fresh entry swept away, got %v", outcome)
	}
}
