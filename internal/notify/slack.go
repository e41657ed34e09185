package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// SlackChannel posts events to an incoming webhook as one attachment:
// reason code in the pretext, summary fields as short columns, payload
// JSON in the attachment body.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func severityColor(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return "#8b0000"
	case SeverityWarning:
		return "#ffcc00"
	}
	return "#36a64f"
}

func (s *SlackChannel) Send(ctx context.Context, ev Event) error {
	if s.webhookURL == "" {
		return nil
	}

	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": ev.Fields[k],
			"short": true,
		})
	}

	text := ev.Summary
	if len(ev.Payload) > 0 {
		if raw, err := json.Marshal(ev.Payload); err == nil {
			text += "\n```" + string(raw) + "```"
		}
	}

	body, err := json.Marshal(map[string]interface{}{
		"attachments": []map[string]interface{}{{
			"color":   severityColor(ev.Severity()),
			"pretext": fmt.Sprintf("[%s] %s", ev.ReasonCode, ev.Severity()),
			"text":    text,
			"fields":  fields,
			"ts":      ev.Time.Unix(),
			"footer":  "trading-engine",
		}},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
