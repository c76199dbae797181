package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAdapter posts alerts to one Slack channel with a bot token.
type SlackAdapter struct {
	client   *slack.Client
	channel  string
	identity *Identity

	mu          sync.RWMutex
	connected   bool
	connectedAt time.Time
	lastError   string
	logger      *zap.Logger
}

// NewSlackAdapter creates a Slack adapter. botToken is the Bot User OAuth
// Token (xoxb-...). Extra options, such as slack.OptionAPIURL, are passed to
// the client.
func NewSlackAdapter(botToken, channel string, identity *Identity, logger *zap.Logger, opts ...slack.Option) *SlackAdapter {
	return &SlackAdapter{
		client:   slack.New(botToken, opts...),
		channel:  channel,
		identity: identity,
		logger:   logger,
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// Connect verifies the token with auth.test.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	resp, err := a.client.AuthTestContext(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastError = fmt.Sprintf("auth test: %v", err)
		a.connected = false
		return fmt.Errorf("slack auth: %w", err)
	}
	a.connected = true
	a.connectedAt = time.Now()
	a.lastError = ""
	a.logger.Info("slack adapter ready",
		zap.String("team", resp.Team),
		zap.String("bot", resp.User),
		zap.String("channel", a.channel))
	return nil
}

// Notify posts the alert to the configured channel.
func (a *SlackAdapter) Notify(ctx context.Context, alert *Alert) error {
	text := fmt.Sprintf("%s *[%s] %s*\n%s", severityEmoji(alert.Severity), alert.Severity, alert.Title, alert.Content)
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
	}
	opts = append(opts, a.identityOpts()...)

	_, _, err := a.client.PostMessageContext(ctx, a.channel, opts...)
	if err != nil {
		a.mu.Lock()
		a.lastError = err.Error()
		a.mu.Unlock()
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

func (a *SlackAdapter) identityOpts() []slack.MsgOption {
	if a.identity == nil || a.identity.Name == "" {
		return nil
	}
	opts := []slack.MsgOption{
		slack.MsgOptionUsername(a.identity.Name),
	}
	if a.identity.IconURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(a.identity.IconURL))
	} else if a.identity.Emoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(a.identity.Emoji))
	}
	return opts
}

func (a *SlackAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{
		Platform:  "slack",
		Connected: a.connected,
		Channel:   a.channel,
		LastError: a.lastError,
	}
	if a.connected {
		t := a.connectedAt
		s.ConnectedAt = &t
	}
	return s
}

// Close is a no-op; the web API client holds no connection.
func (a *SlackAdapter) Close() error {
	return nil
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityCritical:
		return ":rotating_light:"
	case SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}
