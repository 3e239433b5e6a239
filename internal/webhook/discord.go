package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/kylemclaren/claude-goals/internal/version"
)

// Discord handles Discord webhook notifications
type Discord struct {
	client *http.Client
}

// NewDiscord creates a new Discord webhook handler
func NewDiscord() *Discord {
	return &Discord{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedField represents a field in a Discord embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter represents the footer of a Discord embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload represents the webhook payload
type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// SendEvent posts a task event to Discord as an embed
func (d *Discord) SendEvent(ctx context.Context, webhookURL string, ev Event) error {
	var color int
	var statusEmoji string
	switch ev.Kind {
	case EventCompleted:
		color = 0x00FF00 // Green
		statusEmoji = "✅"
	case EventPaused:
		color = 0xFFA500 // Orange
		statusEmoji = "⏸️"
	default:
		color = 0x808080 // Grey
		statusEmoji = "⌛"
	}

	// Discord caps embed descriptions at 4096 chars
	body := ev.body()
	if len(body) > 3500 {
		body = cut(body, 3500) + "\n\n*... (truncated)*"
	}
	if body == "" {
		body = "*No output*"
	}

	embed := DiscordEmbed{
		Title:       fmt.Sprintf("%s Goal %s: %s", statusEmoji, ev.Kind, truncate(ev.Task.Goal, 200)),
		Description: body,
		Color:       color,
		Fields: []EmbedField{
			{Name: "Status", Value: string(ev.Task.Status), Inline: true},
			{Name: "Coverage", Value: ev.coverage(), Inline: true},
			{Name: "Iterations", Value: ev.iterations(), Inline: true},
		},
		Timestamp: ev.At.Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: "Claude Goals · " + ev.Task.ID},
	}

	if ev.Kind != EventCompleted && ev.Task.Progress.Plan != nil && ev.Task.Progress.Plan.BlockedReason != "" {
		embed.Fields = append(embed.Fields, EmbedField{
			Name:   "⚠️ Blocked",
			Value:  fmt.Sprintf("```\n%s\n```", truncate(ev.Task.Progress.Plan.BlockedReason, 500)),
			Inline: false,
		})
	}

	payload := DiscordPayload{
		Embeds: []DiscordEmbed{embed},
	}

	return postJSON(ctx, d.client, webhookURL, payload)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return cut(s, n) + "..."
}

// cut returns at most n bytes of s without splitting a UTF-8 sequence
func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func postJSON(ctx context.Context, client *http.Client, webhookURL string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
