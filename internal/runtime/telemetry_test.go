package runtime

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/grafana/regexp"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel"
)

func TestSetupTelemetryServesMetrics(t *testing.T) {
	ctx := context.Background()
	shutdown, handler, err := setupTelemetry(ctx, config.Default(), "test", newLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer shutdown(ctx)
	if handler == nil {
		t.Fatal("expected a metrics handler")
	}

	counter, err := otel.Meter("telemetry-test").Int64Counter("loqa.scribe.telemetry.test")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(ctx, 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("metrics output missing Go runtime collector")
	}
	if !regexp.MustCompile(`loqa[._]scribe[._]telemetry[._]test`).Match(body) {
		t.Fatal("metrics output missing the recorded counter")
	}
}

func TestSpanExporterSelection(t *testing.T) {
	ctx := context.Background()
	exp, name, err := spanExporter(ctx, config.TelemetryConfig{})
	if err != nil || exp != nil || name != "none" {
		t.Fatalf("default = (%v, %q, %v), want no exporter", exp, name, err)
	}
	exp, name, err = spanExporter(ctx, config.TelemetryConfig{StdoutTraces: true})
	if err != nil || exp == nil || name != "stdout" {
		t.Fatalf("stdout = (%v, %q, %v)", exp, name, err)
	}
	_ = exp.Shutdown(ctx)
}
