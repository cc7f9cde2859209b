// Package slack delivers alert group notifications through the Slack Web
// API. Channel ids are Slack conversation ids; the message ts is returned
// as the provider message id so escalations reply in the same thread.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/slack-go/slack"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/dispatch"
)

const (
	maxMessageLen = 2900
	httpTimeout   = 10 * time.Second
)

// retryable Slack API error codes. Everything else (channel_not_found,
// not_in_channel, invalid_auth, ...) is permanent.
var retryable = map[string]bool{
	"internal_error":      true,
	"fatal_error":         true,
	"service_unavailable": true,
	"request_timeout":     true,
	"ratelimited":         true,
}

// Notifier posts to Slack.
type Notifier struct {
	client *slack.Client
	logger log.Logger
}

// New creates a Notifier for botToken. apiURL overrides the Slack API base
// (tests, proxies); empty uses the public API.
func New(botToken, apiURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	opts := []slack.Option{
		slack.OptionHTTPClient(&http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &Notifier{client: slack.New(botToken, opts...), logger: logger}
}

// Dispatch implements dispatch.Dispatcher.
func (n *Notifier) Dispatch(ctx context.Context, a dispatch.Action) (dispatch.Receipt, error) {
	if a.Group == nil {
		return dispatch.Receipt{}, dispatch.Permanent(errors.New("slack: action without group"))
	}
	opts := []slack.MsgOption{
		slack.MsgOptionText(fallbackText(a), false),
		slack.MsgOptionBlocks(buildBlocks(a)...),
	}
	if a.ThreadRef != "" {
		opts = append(opts, slack.MsgOptionTS(a.ThreadRef))
	}

	_, ts, err := n.client.PostMessageContext(ctx, a.ChannelID, opts...)
	if err != nil {
		return dispatch.Receipt{}, classify(err)
	}
	n.logger.Info(ctx, "slack message posted",
		"channel_id", a.ChannelID, "group_id", a.Group.ID, "kind", string(a.Kind), "ts", ts)
	return dispatch.Receipt{MessageID: ts}, nil
}

func classify(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return &dispatch.RateLimitedError{RetryAfter: rl.RetryAfter, Err: fmt.Errorf("slack: %w", err)}
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) && !retryable[se.Err] {
		return dispatch.Permanent(fmt.Errorf("slack: %w", err))
	}
	var sc interface{ HTTPStatusCode() int }
	if errors.As(err, &sc) {
		if code := sc.HTTPStatusCode(); code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return dispatch.Permanent(fmt.Errorf("slack: %w", err))
		}
	}
	return fmt.Errorf("slack: %w", err)
}

func mention(a dispatch.Action) string {
	switch {
	case a.MentionChannel:
		return "<!channel> "
	case a.MentionHere:
		return "<!here> "
	}
	return ""
}

func fallbackText(a dispatch.Action) string {
	g := a.Group
	if a.Kind == dispatch.KindEscalation {
		return fmt.Sprintf("%sEscalation level %d: [%s] %s", mention(a), a.Level+1, strings.ToUpper(g.Severity.String()), g.Title)
	}
	return fmt.Sprintf("%s[%s] %s", mention(a), strings.ToUpper(g.Severity.String()), g.Title)
}

func buildBlocks(a dispatch.Action) []slack.Block {
	g := a.Group
	title := fmt.Sprintf("%s %s", severityEmoji(g.Severity), g.Title)
	if a.Kind == dispatch.KindEscalation {
		title = fmt.Sprintf("%s Escalation L%d: %s", severityEmoji(g.Severity), a.Level+1, g.Title)
	}

	fields := []*slack.TextBlockObject{
		mrkdwn(fmt.Sprintf("*Severity:* %s", g.Severity)),
		mrkdwn(fmt.Sprintf("*Status:* %s", g.Status)),
		mrkdwn(fmt.Sprintf("*Occurrences:* %d", g.Count)),
		mrkdwn(fmt.Sprintf("*Source:* %s", g.Source)),
	}
	if g.Environment != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Environment:* %s", g.Environment)))
	}
	if g.Project != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Project:* %s", g.Project)))
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncate(title, 150), true, false)),
		slack.NewSectionBlock(nil, fields, nil),
	}
	if m := mention(a); m != "" || g.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(mrkdwn(strings.TrimSpace(m+truncate(g.Message, maxMessageLen))), nil, nil))
	}
	blocks = append(blocks,
		slack.NewDividerBlock(),
		slack.NewContextBlock("",
			mrkdwn(fmt.Sprintf("warden • group %s • first seen %s", g.ID, g.FirstSeenAt.UTC().Format("2006-01-02 15:04 UTC"))),
		),
	)
	return blocks
}

func mrkdwn(s string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, s, false, false)
}

func severityEmoji(s alert.Severity) string {
	switch s {
	case alert.SeverityCritical:
		return "\U0001f534" // red circle
	case alert.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case alert.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate caps s at limit bytes, cutting on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
