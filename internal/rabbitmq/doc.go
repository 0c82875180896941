// Package rabbitmq is the broker transport boundary.
//
// This package includes:
//   - Channel: the subset of *amqp.Channel the rest of the module depends on
//   - ConnectionManager: owns the connection, reconnects with backoff and opens channels
//   - ChannelPool: a bounded pool of channels for concurrent publishers
//   - Topology helpers: exchange, queue and binding declaration plus basic.qos
//
// Failures are reported as typed errors (ConnectionError, ChannelError,
// PublishError, ConsumerError, TopologyError) that unwrap to the broker error.
package rabbitmq
