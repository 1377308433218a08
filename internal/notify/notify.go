// Package notify implements the notification handlers (C12): a Notifier
// events.Handler that buffers each node's Output lines and, on a failed
// (non-pipeline) NodeFinished, posts an error summary to every configured
// ChatRoom.
package notify

import (
	"context"
	"fmt"

	"github.com/mara-data/dataflow/internal/dag"
	"github.com/mara-data/dataflow/internal/events"
)

// ChatRoom is one notification destination (Slack, Teams, ...).
type ChatRoom interface {
	// CreateErrorMessage builds the headline text for a failed node.
	CreateErrorMessage(nodePath []string) string
	// FormatOutput renders a slice of Output events into this room's markup.
	FormatOutput(outputs []events.Output) string
	// BuildPayload assembles the JSON body Send should post, from the
	// headline text plus the formatted non-error and error output logs.
	BuildPayload(text, nonErrorLog, errorLog string) map[string]any
	// Send posts message (as built by BuildPayload) to the room's webhook.
	Send(ctx context.Context, message map[string]any) error
}

// nodeOutputs buffers Output events for one node, split by isError.
type nodeOutputs struct {
	errors    []events.Output
	nonErrors []events.Output
}

// Notifier buffers Output events per node path and, on node failure, tells
// every configured ChatRoom about it.
type Notifier struct {
	ChatRooms []ChatRoom

	buf map[string]*nodeOutputs
}

// NewNotifier builds a Notifier posting to every room in rooms.
func NewNotifier(rooms []ChatRoom) *Notifier {
	return &Notifier{ChatRooms: rooms, buf: map[string]*nodeOutputs{}}
}

func (n *Notifier) HandleEvent(e events.Event) {
	switch ev := e.(type) {
	case events.Output:
		key := dag.PathString(ev.NodePath())
		bucket, ok := n.buf[key]
		if !ok {
			bucket = &nodeOutputs{}
			n.buf[key] = bucket
		}
		if ev.IsError {
			bucket.errors = append(bucket.errors, ev)
		} else {
			bucket.nonErrors = append(bucket.nonErrors, ev)
		}
	case events.NodeFinished:
		if ev.Succeeded || ev.IsPipeline {
			return
		}
		n.notifyFailure(ev.NodePath())
	}
}

func (n *Notifier) notifyFailure(path []string) {
	key := dag.PathString(path)
	bucket := n.buf[key]

	for _, room := range n.ChatRooms {
		text := room.CreateErrorMessage(path)
		var nonErrorLog, errorLog string
		if bucket != nil {
			if len(bucket.nonErrors) > 0 {
				nonErrorLog = room.FormatOutput(bucket.nonErrors)
			}
			if len(bucket.errors) > 0 {
				errorLog = room.FormatOutput(bucket.errors)
			}
		}

		message := room.BuildPayload(text, nonErrorLog, errorLog)
		if err := room.Send(context.Background(), message); err != nil {
			fmt.Printf("notify: failed to send message to chat room: %v\n", err)
		}
	}
}

var _ events.Handler = (*Notifier)(nil)

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
