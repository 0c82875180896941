package outbox

import "time"

// OutboxMessage is a message waiting to be relayed to the broker
type OutboxMessage struct {
	ID                       string
	OriginatedMessageID      string
	CorrelationID            string
	TraceContext             string
	Headers                  map[string]any
	MessageType              string
	Exchange                 string
	RoutingKey               string
	SerializedMessage        []byte
	MessageContextType       string
	SerializedMessageContext []byte
	SentAt                   time.Time
	ProcessedAt              *time.Time
}

// Processed reports whether the message was relayed
func (m OutboxMessage) Processed() bool {
	return m.ProcessedAt != nil
}

// InboxMessage marks a message id as handled
type InboxMessage struct {
	ID          string
	ProcessedAt time.Time
}
