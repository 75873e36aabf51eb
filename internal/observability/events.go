package observability

import "context"

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// PublishWSEvent reports a websocket view lifecycle event such as "opened" or
// "closed" on ws_events.<kind>.
func PublishWSEvent(ctx context.Context, kind, event string, payload map[string]interface{}, headers map[string]string) {
	IncWSEvent(kind, event)
	_ = PublishEvent(ctx, "ws_events."+kind, EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, headers)
}
