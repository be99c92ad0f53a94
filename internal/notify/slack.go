package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts notifications to one Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a Slack notifier. botToken is the Bot User OAuth
// Token (xoxb-...).
func NewSlackNotifier(botToken, channel string, logger *zap.Logger, opts ...slack.Option) (*SlackNotifier, error) {
	if botToken == "" || channel == "" {
		return nil, fmt.Errorf("slack notifier needs a bot token and a channel")
	}
	return &SlackNotifier{
		client:  slack.New(botToken, opts...),
		channel: channel,
		logger:  logger,
	}, nil
}

func (n *SlackNotifier) Platform() string { return "slack" }

// Notify posts msg as a bold title followed by the content.
func (n *SlackNotifier) Notify(ctx context.Context, msg *Message) error {
	text := fmt.Sprintf("*[%s] %s*\n%s", msg.Level, msg.Title, msg.Content)
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionUsername("agency"),
	)
	if err != nil {
		n.logger.Error("slack send failed", zap.String("channel", n.channel), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// Close is a no-op; the Slack web client holds no connection.
func (n *SlackNotifier) Close() error { return nil }
