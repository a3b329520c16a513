package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Installs a global tracer provider, so not parallel.
func TestRoom_IngestRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	r := mustRoom(t, NewHub(nil, nil, RoomOptions{}), "!traced")
	mustIngest(t, r, textRaw("$a", "hello"))
	if _, err := r.Ingest(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected invalid event error")
	}

	var ingests []sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "room.ingest" {
			ingests = append(ingests, s)
		}
	}
	if len(ingests) != 2 {
		t.Fatalf("room.ingest spans=%d want=2", len(ingests))
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ingests[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["room.id"].AsString() != "!traced" || attrs["event.id"].AsString() != "$a" || !attrs["timeline.handled"].AsBool() {
		t.Fatalf("attrs=%v", attrs)
	}
	if ingests[1].Status().Code != codes.Error {
		t.Fatalf("invalid ingest status=%v want=Error", ingests[1].Status().Code)
	}
}
