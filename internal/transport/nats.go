// Package transport publishes every event emitted during a run onto NATS
// (C16), for installs that want to fan pipeline activity out to an external
// consumer instead of (or alongside) reading the run log directly.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/mara-data/dataflow/internal/events"
	"github.com/mara-data/dataflow/internal/resilience"
)

var propagator = propagation.TraceContext{}

// NATSPublisher is an events.Handler that publishes the JSON form of every
// event to "dataflow.events.<run_id>", propagating the caller's active trace
// context into the message headers the way natsctx does for service-to-
// service calls. The run id is picked up from the RunStarted event itself,
// since the publisher is wired onto the bus before the engine generates it.
type NATSPublisher struct {
	Conn    *nats.Conn
	Context context.Context

	log   *slog.Logger
	mu    sync.RWMutex
	runID string
}

// NewNATSPublisher connects to url and returns a publisher with no run id
// set yet; HandleEvent picks it up off the first RunStarted it sees.
// ctx is used only to carry the trace context injected into each message's
// headers, not for connection lifecycle.
func NewNATSPublisher(ctx context.Context, url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to nats at %q: %w", url, err)
	}
	return &NATSPublisher{Conn: nc, Context: ctx, log: slog.Default()}, nil
}

// Close closes the underlying connection without draining it.
func (p *NATSPublisher) Close() {
	p.Conn.Close()
}

// HandleEvent publishes e, retrying a transient publish failure with
// resilience.Retry before giving up and logging it (a NATS outage must
// never stop the run itself).
func (p *NATSPublisher) HandleEvent(e events.Event) {
	if started, ok := e.(events.RunStarted); ok {
		p.mu.Lock()
		p.runID = started.RunID
		p.mu.Unlock()
	}

	data, err := json.Marshal(e)
	if err != nil {
		p.log.Error("transport: marshal event", "error", err)
		return
	}
	p.mu.RLock()
	subject := "dataflow.events." + p.runID
	p.mu.RUnlock()

	_, err = resilience.Retry(p.Context, 3, 200*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, p.publish(subject, data)
	})
	if err != nil {
		p.log.Error("transport: publish event", "subject", subject, "error", err)
	}
}

func (p *NATSPublisher) publish(subject string, data []byte) error {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(p.Context, carrier)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return p.Conn.PublishMsg(msg)
}

// Subscribe wraps nc.Subscribe, extracting the propagated trace context for
// each message and starting a child span before invoking handler. Not used
// by the engine itself; kept for external consumers that want the same
// trace-context propagation the publisher writes.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("dataflow-nats")
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
