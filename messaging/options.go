package messaging

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/conveyor/internal/rabbitmq"
)

// Default header names
const (
	DefaultTraceHeader   = "trace-context"
	DefaultContextHeader = "message-context"
)

const defaultDeadLetterSuffix = ".dead-letter"

// TopologyOptions controls what the subscription controller declares
type TopologyOptions struct {
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool

	QueueDurable    bool
	QueueExclusive  bool
	QueueAutoDelete bool

	DeadLetterEnabled bool
	DeadLetterPrefix  string
	DeadLetterSuffix  string

	PrefetchCount  int
	PrefetchSize   int
	PrefetchGlobal bool
}

// DefaultTopologyOptions returns durable topic topology with dead-lettering
func DefaultTopologyOptions() TopologyOptions {
	return TopologyOptions{
		ExchangeType:      amqp.ExchangeTopic,
		ExchangeDurable:   true,
		QueueDurable:      true,
		DeadLetterEnabled: true,
		DeadLetterSuffix:  defaultDeadLetterSuffix,
		PrefetchCount:     10,
	}
}

// DeadLetterExchange returns the dead-letter exchange for exchange. When
// neither prefix nor suffix is set the default suffix is used so the
// dead-letter exchange never equals the source exchange.
func (o TopologyOptions) DeadLetterExchange(exchange string) string {
	return o.deadLetterName(exchange)
}

// DeadLetterQueue returns the queue that collects rejected messages of queue
func (o TopologyOptions) DeadLetterQueue(queue string) string {
	return o.deadLetterName(queue)
}

func (o TopologyOptions) deadLetterName(name string) string {
	if o.DeadLetterPrefix == "" && o.DeadLetterSuffix == "" {
		return name + defaultDeadLetterSuffix
	}
	return o.DeadLetterPrefix + name + o.DeadLetterSuffix
}

func (o TopologyOptions) exchange(name string) rabbitmq.ExchangeDeclaration {
	return rabbitmq.ExchangeDeclaration{
		Name:       name,
		Kind:       o.ExchangeType,
		Durable:    o.ExchangeDurable,
		AutoDelete: o.ExchangeAutoDelete,
	}
}

func (o TopologyOptions) qos() rabbitmq.QoS {
	return rabbitmq.QoS{
		PrefetchCount: o.PrefetchCount,
		PrefetchSize:  o.PrefetchSize,
		Global:        o.PrefetchGlobal,
	}
}

// DispatchOptions controls retry and acknowledgement of deliveries
type DispatchOptions struct {
	// RetryAttempts is the total number of handler invocations per delivery
	RetryAttempts int
	// RetryInterval is the backoff base; attempt n waits RetryInterval * 2^n
	RetryInterval time.Duration
	// RequeueOnFailure requeues a delivery whose handler exhausted its attempts
	RequeueOnFailure bool
	// RequeueOnPoison requeues a delivery that cannot be decoded
	RequeueOnPoison bool
}

// DefaultDispatchOptions returns three attempts with a one second base
func DefaultDispatchOptions() DispatchOptions {
	return DispatchOptions{
		RetryAttempts: 3,
		RetryInterval: time.Second,
	}
}

// PropertiesOptions controls the transport metadata of outgoing messages
type PropertiesOptions struct {
	Persistent         bool
	ContextPropagation bool
	TraceHeader        string
	ContextHeader      string
}

// DefaultPropertiesOptions returns persistent delivery with context propagation
func DefaultPropertiesOptions() PropertiesOptions {
	return PropertiesOptions{
		Persistent:         true,
		ContextPropagation: true,
		TraceHeader:        DefaultTraceHeader,
		ContextHeader:      DefaultContextHeader,
	}
}
