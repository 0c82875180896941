package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// QoS holds basic.qos settings
type QoS struct {
	PrefetchCount int
	PrefetchSize  int
	Global        bool
}

// DeclareExchange declares an exchange on ch
func DeclareExchange(ch Channel, ex ExchangeDeclaration) error {
	kind := ex.Kind
	if kind == "" {
		kind = amqp.ExchangeTopic
	}
	if err := ch.ExchangeDeclare(ex.Name, kind, ex.Durable, ex.AutoDelete, false, false, ex.Arguments); err != nil {
		return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a queue on ch
func DeclareQueue(ch Channel, q QueueDeclaration) (amqp.Queue, error) {
	queue, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return queue, nil
}

// BindQueue binds a queue to an exchange on ch
func BindQueue(ch Channel, b Binding) error {
	if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      b.Queue + "->" + b.Exchange + "[" + b.RoutingKey + "]",
			Op:        "create",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// ApplyQoS sets basic.qos on ch. The prefetch count is raised to at least one.
func ApplyQoS(ch Channel, qos QoS) error {
	count := qos.PrefetchCount
	if count < 1 {
		count = 1
	}
	if err := ch.Qos(count, qos.PrefetchSize, qos.Global); err != nil {
		return &TopologyError{Component: "qos", Name: "basic.qos", Op: "set", Err: err, Timestamp: time.Now()}
	}
	return nil
}
