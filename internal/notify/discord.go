package notify

import (
	"context"
	"fmt"
	"net/http"
)

// discordMaxContent is Discord's limit on a webhook message body, in runes.
const discordMaxContent = 2000

// DiscordSender posts to a Discord webhook with mention parsing disabled.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: defaultHTTPClient()}
}

type discordMessage struct {
	Content         string `json:"content"`
	AllowedMentions struct {
		Parse []string `json:"parse"`
	} `json:"allowed_mentions"`
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	msg := discordMessage{Content: truncateRunes(fmt.Sprintf("**%s**\n%s", title, message), discordMaxContent)}
	msg.AllowedMentions.Parse = []string{}
	if err := postJSON(ctx, d.client, d.webhookURL, msg); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }

// truncateRunes cuts s to at most n runes, marking the cut with an ellipsis.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
