package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAdapter posts alerts to one Discord channel through the REST API.
// It never opens the websocket gateway; alerts are outbound only.
type DiscordAdapter struct {
	token    string
	channel  string
	identity *Identity
	session  *discordgo.Session

	mu          sync.RWMutex
	connected   bool
	connectedAt time.Time
	lastError   string
	logger      *zap.Logger
}

// NewDiscordAdapter creates a Discord adapter for channel.
func NewDiscordAdapter(token, channel string, identity *Identity, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{
		token:    token,
		channel:  channel,
		identity: identity,
		logger:   logger,
	}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

// Connect creates the REST session and checks that the channel is visible
// to the bot.
func (a *DiscordAdapter) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.fail(fmt.Sprintf("session create: %v", err))
		return fmt.Errorf("discord session: %w", err)
	}
	ch, err := session.Channel(a.channel, discordgo.WithContext(ctx))
	if err != nil {
		a.fail(fmt.Sprintf("channel lookup: %v", err))
		return fmt.Errorf("discord channel %s: %w", a.channel, err)
	}

	a.mu.Lock()
	a.session = session
	a.connected = true
	a.connectedAt = time.Now()
	a.lastError = ""
	a.mu.Unlock()

	a.logger.Info("discord adapter ready",
		zap.String("channel", ch.Name),
		zap.String("guild", ch.GuildID))
	return nil
}

func (a *DiscordAdapter) fail(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	a.lastError = msg
}

// Notify sends the alert as a plain bot message.
func (a *DiscordAdapter) Notify(ctx context.Context, alert *Alert) error {
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil {
		return fmt.Errorf("discord adapter not connected")
	}

	content := fmt.Sprintf("**[%s] %s**\n%s", alert.Severity, alert.Title, alert.Content)
	if a.identity != nil && a.identity.Name != "" {
		content = fmt.Sprintf("**%s** %s", a.identity.Name, content)
	}
	if _, err := session.ChannelMessageSend(a.channel, content, discordgo.WithContext(ctx)); err != nil {
		a.mu.Lock()
		a.lastError = err.Error()
		a.mu.Unlock()
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func (a *DiscordAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{
		Platform:  "discord",
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

// Close drops the session. No websocket is open, so there is nothing to
// tear down remotely.
func (a *DiscordAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
	a.connected = false
	return nil
}
