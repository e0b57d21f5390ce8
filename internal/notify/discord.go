package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embed colors.
const (
	colorSuccess = 0x2ECC71
	colorFailure = 0xE74C3C
	colorInfo    = 0x3498DB
)

// Field and text limits of the webhook API.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxFieldValue  = 1024
	maxFields      = 25
)

// DiscordOptions selects which levels are delivered.
type DiscordOptions struct {
	OnStart   bool
	OnSuccess bool
	OnFailure bool
	Timeout   time.Duration
}

// Discord posts messages as embeds to a Discord webhook.
type Discord struct {
	url    string
	opts   DiscordOptions
	client *http.Client
}

// NewDiscord creates a webhook notifier.
func NewDiscord(webhookURL string, opts DiscordOptions) *Discord {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Discord{
		url:    webhookURL,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// Enabled reports whether messages of level l are delivered.
func (d *Discord) Enabled(l Level) bool {
	switch l {
	case LevelStart:
		return d.opts.OnStart
	case LevelSuccess:
		return d.opts.OnSuccess
	case LevelFailure:
		return d.opts.OnFailure
	}
	return false
}

// Send posts msg unless its level is disabled.
func (d *Discord) Send(ctx context.Context, msg Message) error {
	if !d.Enabled(msg.Level) {
		return nil
	}
	body, err := json.Marshal(webhookPayload{Embeds: []embed{toEmbed(msg)}})
	if err != nil {
		return fmt.Errorf("discord: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("discord: status %d", resp.StatusCode)
	}
	return nil
}

func toEmbed(msg Message) embed {
	e := embed{
		Title:       truncate(msg.Title, maxTitle),
		Description: truncate(msg.Description, maxDescription),
	}
	switch msg.Level {
	case LevelSuccess:
		e.Color = colorSuccess
	case LevelFailure:
		e.Color = colorFailure
	default:
		e.Color = colorInfo
	}
	for i, f := range msg.Fields {
		if i == maxFields {
			break
		}
		value := f.Value
		if value == "" {
			value = "-"
		}
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: truncate(value, maxFieldValue), Inline: f.Inline})
	}
	if !msg.Time.IsZero() {
		e.Timestamp = msg.Time.UTC().Format(time.RFC3339)
	}
	e.Footer.Text = "capsule"
	return e
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
