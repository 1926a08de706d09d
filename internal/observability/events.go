package observability

import (
	"encoding/json"
	"log"
)

// Level classifies an emitted event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var eventLogger = log.New(log.Writer(), "[event] ", log.LstdFlags)

// Emit writes one structured log line per event. Reason codes attached here are
// stable identifiers meant for metrics aggregation, never HTTP response bodies.
func Emit(event string, level Level, fields map[string]any) {
	payload := map[string]any{"event": event, "level": level}
	for k, v := range fields {
		payload[k] = v
	}
	line, err := json.Marshal(payload)
	if err != nil {
		eventLogger.Printf("event=%s level=%s (unmarshalable fields)", event, level)
		return
	}
	eventLogger.Printf("%s", line)
}
