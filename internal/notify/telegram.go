package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
)

const (
	telegramAPIBase   = "https://api.telegram.org"
	telegramTextLimit = 4096
)

// TelegramSender posts alerts to one chat through the Bot API sendMessage
// method. Text is sent as HTML so user-supplied titles need no Markdown
// escaping.
type TelegramSender struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		apiBase: telegramAPIBase,
		client:  newHTTPClient(),
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	text := "<b>" + html.EscapeString(title) + "</b>\n" + html.EscapeString(message)
	msg := telegramMessage{
		ChatID:                t.chatID,
		Text:                  truncate(text, telegramTextLimit),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	if err := postJSON(ctx, t.client, url, msg); err != nil {
		// The URL embeds the token; keep it out of the error.
		return fmt.Errorf("telegram: sendMessage: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
