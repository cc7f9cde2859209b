package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/dispatch"
)

func testAction() dispatch.Action {
	return dispatch.Action{
		ChannelID:   "ops",
		Kind:        dispatch.KindEscalation,
		Level:       1,
		MentionHere: true,
		ThreadRef:   "msg-1",
		Group: &alert.Group{
			ID:          "g1",
			WorkspaceID: "ws1",
			Title:       "disk full",
			Status:      alert.StatusOpen,
			Severity:    alert.SeverityHigh,
			Count:       4,
		},
	}
}

func TestDispatch_SignsAndPosts(t *testing.T) {
	t.Parallel()

	var (
		body []byte
		sig  string
		evt  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		evt = r.Header.Get(EventHeader)
		_, _ = w.Write([]byte(`{"id":"remote-42"}`))
	}))
	defer srv.Close()

	s := New(srv.URL, "s3cret")
	s.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	rec, err := s.Dispatch(context.Background(), testAction())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rec.MessageID != "remote-42" {
		t.Errorf("MessageID = %q", rec.MessageID)
	}
	if !Verify(body, "s3cret", sig) {
		t.Errorf("signature %q does not verify", sig)
	}
	if evt != "alert_group.escalation" {
		t.Errorf("event header = %q", evt)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Channel != "ops" || p.Level != 1 || p.Mention != "here" || p.ThreadRef != "msg-1" {
		t.Errorf("payload = %+v", p)
	}
	if p.Group == nil || p.Group.ID != "g1" {
		t.Errorf("group = %+v", p.Group)
	}
}

func TestDispatch_NoSecretNoSignature(t *testing.T) {
	t.Parallel()

	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec, err := New(srv.URL, "").Dispatch(context.Background(), testAction())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sig != "" {
		t.Errorf("signature = %q, want none", sig)
	}
	if rec.MessageID != "" {
		t.Errorf("MessageID = %q, want empty", rec.MessageID)
	}
}

func TestDispatch_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		retryAfter    string
		wantPermanent bool
		wantRetry     time.Duration
	}{
		{"bad request", http.StatusBadRequest, "", true, 0},
		{"gone", http.StatusGone, "", true, 0},
		{"server error", http.StatusInternalServerError, "", false, 0},
		{"rate limited", http.StatusTooManyRequests, "7", false, 7 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "k").Dispatch(context.Background(), testAction())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := dispatch.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.wantPermanent)
			}
			var rl *dispatch.RateLimitedError
			if tt.wantRetry > 0 {
				if !errors.As(err, &rl) || rl.RetryAfter != tt.wantRetry {
					t.Errorf("err = %v, want RateLimitedError(%v)", err, tt.wantRetry)
				}
			}
		})
	}
}

func TestVerify_RejectsTampered(t *testing.T) {
	t.Parallel()

	sig := Sign([]byte(`{"a":1}`), "k")
	if Verify([]byte(`{"a":2}`), "k", sig) {
		t.Error("tampered payload verified")
	}
	if Verify([]byte(`{"a":1}`), "other", sig) {
		t.Error("wrong secret verified")
	}
}
