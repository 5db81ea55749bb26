package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// channelSender is the part of *discordgo.Session the notifier uses
type channelSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts notifications to a Discord channel
type DiscordNotifier struct {
	session   channelSender
	channelID string
}

// NewDiscordNotifier creates a REST-only Discord session for the bot token.
// No gateway connection is opened.
func NewDiscordNotifier(botToken, channelID string) (*DiscordNotifier, error) {
	if botToken == "" || channelID == "" {
		return nil, fmt.Errorf("discord notifier needs a bot token and channel id")
	}
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	return &DiscordNotifier{session: session, channelID: channelID}, nil
}

func (d *DiscordNotifier) Notify(ctx context.Context, n Notification) error {
	subject, body := Render(n)
	recipient := n.RecipientName
	if recipient == "" {
		recipient = n.RecipientEmail
	}
	content := fmt.Sprintf("**%s** → %s\n%s", subject, recipient, body)

	_, err := d.session.ChannelMessageSend(d.channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to post Discord notification: %w", err)
	}
	return nil
}
