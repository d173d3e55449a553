package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"photopipe/internal/config"
)

const userAgent = "photopipe/0.1.0"

// Event identifies a notification type.
type Event string

const (
	EventExportCompleted Event = "export_completed"
	EventExportFailed    Event = "export_failed"
	EventPipelineFailed  Event = "pipeline_failed"
	EventTest            Event = "test"
)

// Payload carries event fields. Unknown keys are ignored.
type Payload map[string]any

// Service publishes operator notifications.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		exports:  cfg.Notifications.Exports,
		errors:   cfg.Notifications.Errors,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	exports  bool
	errors   bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := n.format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventExportCompleted:
		if !n.exports {
			return message{}, false
		}
		body := fmt.Sprintf("Export ready: %d files", payload.intField("filesAdded"))
		if size := payload.int64Field("sizeBytes"); size > 0 {
			body += fmt.Sprintf(" (%s)", humanize.Bytes(uint64(size)))
		}
		if failed := payload.intField("filesFailed"); failed > 0 {
			body += fmt.Sprintf(", %d skipped", failed)
		}
		return message{
			title: "photopipe - Export Complete",
			body:  body,
			tags:  []string{"photopipe", "export", "completed"},
		}, true
	case EventExportFailed:
		if !n.errors {
			return message{}, false
		}
		return message{
			title:    "photopipe - Export Failed",
			body:     fmt.Sprintf("Export %s failed: %s", payload.field("exportID"), payload.errorText()),
			tags:     []string{"photopipe", "export", "failed"},
			priority: "high",
		}, true
	case EventPipelineFailed:
		if !n.errors {
			return message{}, false
		}
		label := payload.field("filename")
		if label == "" {
			label = payload.field("assetID")
		}
		body := fmt.Sprintf("Processing failed for %s", label)
		if stage := payload.field("stage"); stage != "" {
			body += fmt.Sprintf(" at %s", stage)
		}
		return message{
			title:    "photopipe - Pipeline Failed",
			body:     body + ": " + payload.errorText(),
			tags:     []string{"photopipe", "pipeline", "error"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "photopipe - Test",
			body:     "Notification system test",
			tags:     []string{"photopipe", "test"},
			priority: "low",
		}, true
	}
	return message{}, false
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p Payload) field(key string) string {
	if v, ok := p[key]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func (p Payload) intField(key string) int {
	return int(p.int64Field(key))
}

func (p Payload) int64Field(key string) int64 {
	switch v := p[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func (p Payload) errorText() string {
	if err, ok := p["error"].(error); ok && err != nil {
		return strings.TrimSpace(err.Error())
	}
	if text := p.field("error"); text != "" {
		return text
	}
	return "unknown"
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
