package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// levelIcon maps alert levels to the emoji prefixed to Telegram text.
var levelIcon = map[string]string{
	LevelInfo:     "ℹ️",
	LevelWarning:  "⚠️",
	LevelError:    "❌",
	LevelCritical: "🚨",
}

// TelegramChannel delivers alerts through the Bot API sendMessage call.
// Without credentials it silently drops everything, so the channel can
// always be registered.
type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, alert Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}
	return postJSON(ctx, fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken),
		map[string]interface{}{
			"chat_id":    t.chatID,
			"text":       t.render(alert),
			"parse_mode": "Markdown",
		})
}

func (t *TelegramChannel) render(alert Payload) string {
	icon := levelIcon[alert.Level]
	if icon == "" {
		icon = levelIcon[LevelInfo]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		for _, k := range sortedKeys(alert.Fields) {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, alert.Fields[k])
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
