package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// discordContentLimit is the maximum message length Discord accepts.
const discordContentLimit = 2000

// Notifier delivers a run summary together with the serialized report.
type Notifier interface {
	Notify(ctx context.Context, text, fileName string, attachment []byte) error
}

// DiscordAlerter posts alerts and run reports to a Discord webhook.
type DiscordAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordAlerter(webhookURL string) *DiscordAlerter {
	return &DiscordAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func truncateContent(s string) string {
	if len(s) <= discordContentLimit {
		return s
	}
	return s[:discordContentLimit-3] + "..."
}

// Send posts a plain message for the alert.
func (d *DiscordAlerter) Send(ctx context.Context, alert Alert) error {
	var b strings.Builder
	fmt.Fprintf(&b, "**[%s]** %s: %s\n%s", alert.Type, alert.Chain, alert.Title, alert.Message)
	for _, k := range sortedFields(alert.Fields) {
		fmt.Fprintf(&b, "\n- **%s**: %s", k, alert.Fields[k])
	}
	return postJSON(ctx, d.client, d.webhookURL, map[string]string{"content": truncateContent(b.String())}, "discord")
}

// Notify posts text with the report attached as a file.
func (d *DiscordAlerter) Notify(ctx context.Context, text, fileName string, attachment []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	payload, err := json.Marshal(map[string]string{"content": truncateContent("```\n" + text + "\n```")})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	if err := w.WriteField("payload_json", string(payload)); err != nil {
		return fmt.Errorf("write discord payload: %w", err)
	}
	part, err := w.CreateFormFile("files[0]", fileName)
	if err != nil {
		return fmt.Errorf("create discord attachment: %w", err)
	}
	if _, err := part.Write(attachment); err != nil {
		return fmt.Errorf("write discord attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close discord body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, &body)
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes the summary to the log. Used when no report sink is
// configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, text, fileName string, attachment []byte) error {
	n.Logger.Info("harvest report", "file", fileName, "bytes", len(attachment), "summary", text)
	return nil
}
