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

// SlackRoom posts to a Slack incoming webhook.
type SlackRoom struct {
	WebhookURL string
	BaseURL    string
	HTTPClient *http.Client
	breaker    *resilience.CircuitBreaker
}

func NewSlackRoom(webhookURL, baseURL string) *SlackRoom {
	return &SlackRoom{
		WebhookURL: webhookURL,
		BaseURL:    baseURL,
		HTTPClient: http.DefaultClient,
		breaker:    resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, 30*time.Second, 1),
	}
}

func (s *SlackRoom) CreateErrorMessage(nodePath []string) string {
	path := strings.Join(nodePath, "/")
	return fmt.Sprintf("\n:baby_chick: Ooops, a hiccup in _ <%s/%s | %s> _", s.BaseURL, path, path)
}

func (s *SlackRoom) FormatOutput(outputs []events.Output) string {
	return formatOutput(outputs, "```", "```", func(line string) string {
		return "\n _ " + line + " _ "
	})
}

// BuildPayload follows the "newer" Slack contract: one text field plus two
// attachments, a plain one for stdout and a red-bordered one for stderr.
func (s *SlackRoom) BuildPayload(text, nonErrorLog, errorLog string) map[string]any {
	return map[string]any{
		"text": text,
		"attachments": []map[string]any{
			{"text": nonErrorLog, "mrkdwn_in": []string{"text"}},
			{"text": errorLog, "color": "#eb4d5c", "mrkdwn_in": []string{"text"}},
		},
	}
}

func (s *SlackRoom) Send(ctx context.Context, message map[string]any) error {
	if !s.breaker.Allow() {
		return fmt.Errorf("notify: slack webhook circuit open")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return err
	}

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	_, err = resilience.Retry(ctx, 3, 200*time.Millisecond, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
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
			return struct{}{}, fmt.Errorf("notify: slack webhook returned %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	s.breaker.RecordResult(err == nil)
	return err
}

var _ ChatRoom = (*SlackRoom)(nil)
