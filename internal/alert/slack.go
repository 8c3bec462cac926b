package alert

import (
	"context"
	"fmt"
)

// levelColor maps alert levels to Slack attachment bar colors.
var levelColor = map[string]string{
	LevelInfo:     "#36a64f",
	LevelWarning:  "#ffcc00",
	LevelError:    "#ff0000",
	LevelCritical: "#8b0000",
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color   string       `json:"color"`
	Pretext string       `json:"pretext"`
	Text    string       `json:"text"`
	Fields  []slackField `json:"fields,omitempty"`
	TS      int64        `json:"ts"`
	Footer  string       `json:"footer"`
}

// SlackChannel delivers alerts to an incoming webhook as a single
// colored attachment. An empty webhook URL makes it a no-op.
type SlackChannel struct {
	webhookURL string
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, alert Payload) error {
	if s.webhookURL == "" {
		return nil
	}

	color := levelColor[alert.Level]
	if color == "" {
		color = levelColor[LevelInfo]
	}

	att := slackAttachment{
		Color:   color,
		Pretext: fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
		Text:    alert.Message,
		TS:      alert.Timestamp.Unix(),
		Footer:  "fundarb",
	}
	for _, k := range sortedKeys(alert.Fields) {
		att.Fields = append(att.Fields, slackField{Title: k, Value: alert.Fields[k], Short: true})
	}

	return postJSON(ctx, s.webhookURL, map[string]interface{}{
		"attachments": []slackAttachment{att},
	})
}
