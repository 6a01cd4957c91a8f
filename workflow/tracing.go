package workflow

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer = otel.Tracer("kickback-settlement")

// SetTracer lets server.go hand in the process tracer.
func SetTracer(t trace.Tracer) {
	if t != nil {
		tracer = t
	}
}
