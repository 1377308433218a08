package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mara-data/dataflow/internal/events"
)

type recordingRoom struct {
	sent map[string]any
}

func (r *recordingRoom) CreateErrorMessage(nodePath []string) string { return "error in " + nodePath[len(nodePath)-1] }
func (r *recordingRoom) FormatOutput(outputs []events.Output) string { return formatOutput(outputs, "```", "```", func(l string) string { return "\n_" + l + "_" }) }
func (r *recordingRoom) BuildPayload(text, nonErrorLog, errorLog string) map[string]any {
	return map[string]any{"text": text, "non_error": nonErrorLog, "error": errorLog}
}
func (r *recordingRoom) Send(ctx context.Context, message map[string]any) error {
	r.sent = message
	return nil
}

func outputEvent(path []string, message string, isError bool) events.Output {
	ev := events.Output{Message: message, Format: events.FormatVerbatim, IsError: isError, Timestamp: time.Now()}
	ev.Path = path
	return ev
}

func nodeFinished(path []string, succeeded, isPipeline bool) events.NodeFinished {
	ev := events.NodeFinished{Succeeded: succeeded, IsPipeline: isPipeline}
	ev.Path = path
	return ev
}

func TestNotifierSendsOnlyOnFailedNonPipelineNode(t *testing.T) {
	room := &recordingRoom{}
	n := NewNotifier([]ChatRoom{room})

	path := []string{"p", "a"}
	n.HandleEvent(outputEvent(path, "line one", false))
	n.HandleEvent(outputEvent(path, "boom", true))
	n.HandleEvent(nodeFinished(path, false, false))

	if room.sent == nil {
		t.Fatalf("expected a message to be sent")
	}
	if room.sent["text"] != "error in a" {
		t.Fatalf("unexpected text: %v", room.sent["text"])
	}
}

func TestNotifierSkipsSuccessAndPipelineFailures(t *testing.T) {
	room := &recordingRoom{}
	n := NewNotifier([]ChatRoom{room})

	path := []string{"p", "a"}
	n.HandleEvent(outputEvent(path, "boom", true))
	n.HandleEvent(nodeFinished(path, true, false))
	if room.sent != nil {
		t.Fatalf("expected no message on success")
	}

	n.HandleEvent(nodeFinished([]string{"p"}, false, true))
	if room.sent != nil {
		t.Fatalf("expected no message on pipeline-level failure")
	}
}

func TestSlackRoomSendsJSONOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	room := NewSlackRoom(srv.URL, "http://base")
	err := room.Send(context.Background(), room.BuildPayload("hi", "out", "err"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestTeamsPayloadTruncatesToLimit(t *testing.T) {
	room := NewTeamsRoom("http://example.invalid", "http://base")
	long := make([]byte, teamsTextLimit+500)
	for i := range long {
		long[i] = 'x'
	}
	payload := room.BuildPayload(string(long), "", "")
	if len(payload["text"].(string)) != teamsTextLimit {
		t.Fatalf("expected truncated text of length %d, got %d", teamsTextLimit, len(payload["text"].(string)))
	}
}
