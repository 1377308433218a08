package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mara-data/dataflow/internal/events"
	"github.com/mara-data/dataflow/internal/resilience"
)

const teamsTextLimit = 2000

// TeamsRoom posts to a Microsoft Teams incoming webhook.
type TeamsRoom struct {
	WebhookURL string
	BaseURL    string
	HTTPClient *http.Client
	breaker    *resilience.CircuitBreaker
}

func NewTeamsRoom(webhookURL, baseURL string) *TeamsRoom {
	return &TeamsRoom{
		WebhookURL: webhookURL,
		BaseURL:    baseURL,
		HTTPClient: http.DefaultClient,
		breaker:    resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, 30*time.Second, 1),
	}
}

func (t *TeamsRoom) CreateErrorMessage(nodePath []string) string {
	path := strings.Join(nodePath, "/")
	escaped := strings.ReplaceAll(path, "_", "\\_")
	return fmt.Sprintf(`<font size="4">&#x1F424;</font> Ooops, a hiccup in [_%s_](%s/%s)`, escaped, t.BaseURL, path)
}

func (t *TeamsRoom) FormatOutput(outputs []events.Output) string {
	return formatOutput(outputs, "<pre>", "</pre>", func(line string) string {
		return "\n\n" + strings.ReplaceAll(line, "_", "\\_")
	})
}

// BuildPayload follows the Teams contract: a single text field bounding the
// error summary plus both output blocks, truncated to teamsTextLimit.
func (t *TeamsRoom) BuildPayload(text, nonErrorLog, errorLog string) map[string]any {
	return map[string]any{
		"text": truncate(text+nonErrorLog+errorLog, teamsTextLimit),
	}
}

func (t *TeamsRoom) Send(ctx context.Context, message map[string]any) error {
	if !t.breaker.Allow() {
		return fmt.Errorf("notify: teams webhook circuit open")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return err
	}

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	_, err = resilience.Retry(ctx, 3, 200*time.Millisecond, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("notify: teams webhook returned %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	t.breaker.RecordResult(err == nil)
	return err
}

var _ ChatRoom = (*TeamsRoom)(nil)
