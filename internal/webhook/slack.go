package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Slack handles Slack webhook notifications
type Slack struct {
	client *http.Client
}

// NewSlack creates a new Slack webhook handler
func NewSlack() *Slack {
	return &Slack{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type     string         `json:"type"`
	Text     *SlackTextObj  `json:"text,omitempty"`
	Fields   []SlackTextObj `json:"fields,omitempty"`
	Elements []SlackElement `json:"elements,omitempty"`
}

// SlackTextObj represents a Slack text object
type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackElement represents a Slack element (for context blocks)
type SlackElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackAttachment represents a Slack attachment (for colored sidebar)
type SlackAttachment struct {
	Color  string       `json:"color"`
	Blocks []SlackBlock `json:"blocks"`
}

// SlackPayload represents the webhook payload
type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SendEvent posts a task event to Slack using Block Kit
func (s *Slack) SendEvent(ctx context.Context, webhookURL string, ev Event) error {
	var color, statusEmoji string
	switch ev.Kind {
	case EventCompleted:
		color = "#00FF00"
		statusEmoji = ":white_check_mark:"
	case EventPaused:
		color = "#FFA500"
		statusEmoji = ":double_vertical_bar:"
	default:
		color = "#808080"
		statusEmoji = ":hourglass:"
	}

	body := convertToSlackMarkdown(ev.body())
	if len(body) > 2500 {
		body = cut(body, 2500) + "\n... _(truncated)_"
	}
	if body == "" {
		body = "_No output_"
	}

	// Slack header blocks are limited to 150 characters
	header := fmt.Sprintf("%s Goal %s: %s", statusEmoji, ev.Kind, ev.Task.Goal)
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObj{
				Type:  "plain_text",
				Text:  truncate(header, 140),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObj{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Status:*\n%s", ev.Task.Status)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Coverage:*\n%s", ev.coverage())},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Iterations:*\n%s", ev.iterations())},
				{Type: "mrkdwn", Text: fmt.Sprintf("*At:*\n<!date^%d^{date_short} {time}|%s>", ev.At.Unix(), ev.At.Format(time.RFC3339))},
			},
		},
		{
			Type: "divider",
		},
		{
			Type: "section",
			Text: &SlackTextObj{
				Type: "mrkdwn",
				Text: body,
			},
		},
	}

	if ev.Kind != EventCompleted && ev.Task.Progress.Plan != nil && ev.Task.Progress.Plan.BlockedReason != "" {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackTextObj{
				Type: "mrkdwn",
				Text: fmt.Sprintf(":warning: *Blocked:*\n```%s```", truncate(ev.Task.Progress.Plan.BlockedReason, 500)),
			},
		})
	}

	blocks = append(blocks, SlackBlock{
		Type: "context",
		Elements: []SlackElement{
			{Type: "mrkdwn", Text: "Claude Goals · " + ev.Task.ID},
		},
	})

	payload := SlackPayload{
		Text: header,
		Attachments: []SlackAttachment{
			{
				Color:  color,
				Blocks: blocks,
			},
		},
	}

	return postJSON(ctx, s.client, webhookURL, payload)
}

// convertToSlackMarkdown converts standard markdown to Slack's mrkdwn:
// **bold** becomes *bold*, [text](url) becomes <url|text> and headers
// become bold lines. Code blocks are left alone.
func convertToSlackMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	inCodeBlock := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
		}
		if inCodeBlock {
			continue
		}

		for strings.Contains(lines[i], "**") {
			lines[i] = strings.Replace(lines[i], "**", "*", 2)
		}
		lines[i] = convertLinks(lines[i])

		if trimmed := strings.TrimSpace(lines[i]); strings.HasPrefix(trimmed, "#") {
			lines[i] = "*" + strings.TrimLeft(trimmed, "# ") + "*"
		}
	}

	return strings.Join(lines, "\n")
}

func convertLinks(line string) string {
	for {
		start := strings.Index(line, "[")
		if start == -1 {
			return line
		}
		end := strings.Index(line[start:], "](")
		if end == -1 {
			return line
		}
		end += start
		urlEnd := strings.Index(line[end+2:], ")")
		if urlEnd == -1 {
			return line
		}
		urlEnd += end + 2

		linkText := line[start+1 : end]
		linkURL := line[end+2 : urlEnd]
		line = line[:start] + fmt.Sprintf("<%s|%s>", linkURL, linkText) + line[urlEnd+1:]
	}
}
