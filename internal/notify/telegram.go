package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// TelegramChannel posts events to a chat via the Bot API. The message is
// the reason code headline, the sorted key=value summary, and, when a
// payload is attached, a fenced JSON block for forensic analysis.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func severityIcon(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	}
	return "ℹ️"
}

// formatEvent renders the compact-summary-plus-JSON-payload message.
func formatEvent(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s", severityIcon(ev.Severity()), ev.ReasonCode, ev.Summary)

	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n`%s=%s`", k, ev.Fields[k])
	}

	if len(ev.Payload) > 0 {
		if raw, err := json.MarshalIndent(ev.Payload, "", "  "); err == nil {
			b.WriteString("\n```\n")
			b.Write(raw)
			b.WriteString("\n```")
		}
	}
	return b.String()
}

func (t *TelegramChannel) Send(ctx context.Context, ev Event) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       formatEvent(ev),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api returned status %d", resp.StatusCode)
	}
	return nil
}
