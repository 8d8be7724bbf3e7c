package logging

import (
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// TraceHook copies the active span's ids onto entries logged WithContext.
type TraceHook struct{}

func (TraceHook) Levels() []log.Level { return log.AllLevels }

func (TraceHook) Fire(entry *log.Entry) error {
	if entry.Context == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(entry.Context)
	if !sc.IsValid() {
		return nil
	}
	entry.Data["trace_id"] = sc.TraceID().String()
	entry.Data["span_id"] = sc.SpanID().String()
	return nil
}
