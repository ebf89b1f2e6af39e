package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"id":"ev-1"}`)
	sig := SignPayload(payload, "s3cret")

	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("bare signature rejected")
	}
	if !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("prefixed signature rejected")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("signature accepted under wrong secret")
	}
	if VerifySignature([]byte(`{"id":"ev-2"}`), "s3cret", sig) {
		t.Error("signature accepted for tampered payload")
	}
}

func TestNewWebhookSink_ValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://pager.example", "://bad"} {
		if _, err := NewWebhookSink(raw, "", nil); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
	if _, err := NewWebhookSink("https://pager.example/hook", "", nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWebhookSink_Deliver(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotID   string
		gotTS   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderWebhookSignature)
		gotID = r.Header.Get(HeaderWebhookEventID)
		gotTS = r.Header.Get(HeaderWebhookTimestamp)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink, err := NewWebhookSink(server.URL, "s3cret", server.Client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev := Event{ID: "ev-9", Type: EventDoctorNotification, TokenNumber: 4, Message: "Patient Bob (Token #4) assigned to you", Destination: DoctorDestination("d1")}
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if decoded.TokenNumber != 4 || decoded.Destination != "doctor:d1" {
		t.Errorf("unexpected event: %+v", decoded)
	}
	if gotID != "ev-9" || gotTS == "" {
		t.Errorf("headers id=%q ts=%q", gotID, gotTS)
	}
	if !strings.HasPrefix(gotSig, "sha256=") || !VerifySignature(gotBody, "s3cret", gotSig) {
		t.Errorf("signature %q does not verify", gotSig)
	}
}

func TestWebhookSink_UnsignedWithoutSecret(t *testing.T) {
	var gotSig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderWebhookSignature)
	}))
	defer server.Close()

	sink, _ := NewWebhookSink(server.URL, "", nil)
	if err := sink.Deliver(context.Background(), Event{ID: "ev-1"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotSig != "" {
		t.Errorf("expected no signature, got %q", gotSig)
	}
}

func TestWebhookSink_Non2xxFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	sink, _ := NewWebhookSink(server.URL, "s3cret", nil)
	err := sink.Deliver(context.Background(), Event{ID: "ev-1"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
}
