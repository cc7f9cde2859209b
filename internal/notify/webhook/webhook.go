// Package webhook delivers alert group notifications as signed JSON POSTs.
//
// The body is signed with HMAC-SHA256 over the raw bytes and sent as
// "X-Warden-Signature: sha256=<hex>". Retries belong to the caller; a 4xx
// other than 429 is reported as permanent.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/dispatch"
)

const (
	SignatureHeader = "X-Warden-Signature"
	EventHeader     = "X-Warden-Event"
	httpTimeout     = 10 * time.Second
	maxResponseBody = 64 << 10
)

// Payload is the JSON body posted to the endpoint.
type Payload struct {
	Event     string       `json:"event"`
	Channel   string       `json:"channel"`
	Level     int          `json:"escalationLevel"`
	RuleID    string       `json:"ruleId,omitempty"`
	ThreadRef string       `json:"threadRef,omitempty"`
	Mention   string       `json:"mention,omitempty"`
	Group     *alert.Group `json:"alertGroup"`
	SentAt    time.Time    `json:"sentAt"`
}

// Sender posts to one endpoint.
type Sender struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// New creates a Sender. An empty secret disables signing.
func New(url, secret string) *Sender {
	return &Sender{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

// Dispatch implements dispatch.Dispatcher. The receiver may return
// {"id": "..."} to supply a provider message id.
func (s *Sender) Dispatch(ctx context.Context, a dispatch.Action) (dispatch.Receipt, error) {
	if a.Group == nil {
		return dispatch.Receipt{}, dispatch.Permanent(errors.New("webhook: action without group"))
	}
	p := Payload{
		Event:     "alert_group." + string(a.Kind),
		Channel:   a.ChannelID,
		Level:     a.Level,
		RuleID:    a.RuleID,
		ThreadRef: a.ThreadRef,
		Group:     a.Group,
		SentAt:    s.now().UTC(),
	}
	switch {
	case a.MentionChannel:
		p.Mention = "channel"
	case a.MentionHere:
		p.Mention = "here"
	}
	body, err := json.Marshal(p)
	if err != nil {
		return dispatch.Receipt{}, dispatch.Permanent(fmt.Errorf("webhook: marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return dispatch.Receipt{}, dispatch.Permanent(fmt.Errorf("webhook: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "warden-webhook")
	req.Header.Set(EventHeader, p.Event)
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, s.secret))
	}

	resp, err := s.client.Do(req) //nolint:gosec // url is from trusted config
	if err != nil {
		return dispatch.Receipt{}, fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return dispatch.Receipt{}, &dispatch.RateLimitedError{
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("webhook: HTTP %d", resp.StatusCode),
		}
	case resp.StatusCode >= 500:
		return dispatch.Receipt{}, fmt.Errorf("webhook: server error: HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return dispatch.Receipt{}, dispatch.Permanent(fmt.Errorf("webhook: client error: HTTP %d", resp.StatusCode))
	}

	var ack struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(respBody, &ack)
	return dispatch.Receipt{MessageID: ack.ID}, nil
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against payload and secret.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func retryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}
