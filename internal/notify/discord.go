package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// discordLimit is Discord's maximum message length.
const discordLimit = 2000

// DiscordNotifier posts notifications to one Discord channel over the REST
// API. The gateway websocket is never opened.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier for a bot token.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("discord notifier needs a bot token and a channel id")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: channelID, logger: logger}, nil
}

func (n *DiscordNotifier) Platform() string { return "discord" }

// Notify sends msg, truncated to the platform limit.
func (n *DiscordNotifier) Notify(ctx context.Context, msg *Message) error {
	text := fmt.Sprintf("**[%s] %s**\n%s", msg.Level, msg.Title, msg.Content)
	if len(text) > discordLimit {
		text = text[:discordLimit-3] + "..."
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.session.ChannelMessageSend(n.channelID, text, discordgo.WithContext(ctx)); err != nil {
		n.logger.Error("discord send failed", zap.String("channel", n.channelID), zap.Error(err))
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close releases the session.
func (n *DiscordNotifier) Close() error {
	return n.session.Close()
}
