package gormstore

import (
	"encoding/json"
	"time"

	"github.com/glimte/conveyor/outbox"
)

type outboxModel struct {
	ID                       string     `gorm:"column:id;primaryKey"`
	OriginatedMessageID      string     `gorm:"column:originated_message_id"`
	CorrelationID            string     `gorm:"column:correlation_id"`
	TraceContext             string     `gorm:"column:trace_context"`
	Headers                  []byte     `gorm:"column:headers"`
	MessageType              string     `gorm:"column:message_type;not null"`
	Exchange                 string     `gorm:"column:exchange"`
	RoutingKey               string     `gorm:"column:routing_key"`
	SerializedMessage        []byte     `gorm:"column:serialized_message"`
	MessageContextType       string     `gorm:"column:message_context_type"`
	SerializedMessageContext []byte     `gorm:"column:serialized_message_context"`
	SentAt                   time.Time  `gorm:"column:sent_at;not null;index:idx_outbox_unprocessed,priority:2"`
	ProcessedAt              *time.Time `gorm:"column:processed_at;index:idx_outbox_unprocessed,priority:1"`
}

func (outboxModel) TableName() string {
	return "outbox_messages"
}

type inboxModel struct {
	ID          string    `gorm:"column:id;primaryKey"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

func (inboxModel) TableName() string {
	return "inbox_messages"
}

func outboxModelFromMessage(m outbox.OutboxMessage) (outboxModel, error) {
	row := outboxModel{
		ID:                       m.ID,
		OriginatedMessageID:      m.OriginatedMessageID,
		CorrelationID:            m.CorrelationID,
		TraceContext:             m.TraceContext,
		MessageType:              m.MessageType,
		Exchange:                 m.Exchange,
		RoutingKey:               m.RoutingKey,
		SerializedMessage:        m.SerializedMessage,
		MessageContextType:       m.MessageContextType,
		SerializedMessageContext: m.SerializedMessageContext,
		SentAt:                   m.SentAt.UTC(),
	}
	if len(m.Headers) > 0 {
		headers, err := json.Marshal(m.Headers)
		if err != nil {
			return outboxModel{}, err
		}
		row.Headers = headers
	}
	if row.SentAt.IsZero() {
		row.SentAt = time.Now().UTC()
	}
	if m.ProcessedAt != nil {
		at := m.ProcessedAt.UTC()
		row.ProcessedAt = &at
	}
	return row, nil
}

func (m outboxModel) toMessage() (outbox.OutboxMessage, error) {
	msg := outbox.OutboxMessage{
		ID:                       m.ID,
		OriginatedMessageID:      m.OriginatedMessageID,
		CorrelationID:            m.CorrelationID,
		TraceContext:             m.TraceContext,
		MessageType:              m.MessageType,
		Exchange:                 m.Exchange,
		RoutingKey:               m.RoutingKey,
		SerializedMessage:        m.SerializedMessage,
		MessageContextType:       m.MessageContextType,
		SerializedMessageContext: m.SerializedMessageContext,
		SentAt:                   m.SentAt.UTC(),
	}
	if len(m.Headers) > 0 {
		if err := json.Unmarshal(m.Headers, &msg.Headers); err != nil {
			return outbox.OutboxMessage{}, err
		}
	}
	if m.ProcessedAt != nil {
		at := m.ProcessedAt.UTC()
		msg.ProcessedAt = &at
	}
	return msg, nil
}
