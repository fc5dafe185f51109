package notify

import (
	"context"
	"fmt"
	"net/http"
)

// Discord embed limits.
const (
	discordTitleLimit       = 256
	discordDescriptionLimit = 4096
	discordAlertColor       = 0xE74C3C
)

// DiscordSender posts alerts as embeds to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: newHTTPClient()}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordMessage struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	msg := discordMessage{
		Username: "pactengine",
		Embeds: []discordEmbed{{
			Title:       truncate(title, discordTitleLimit),
			Description: truncate(message, discordDescriptionLimit),
			Color:       discordAlertColor,
		}},
	}
	if err := postJSON(ctx, d.client, d.webhookURL, msg); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
