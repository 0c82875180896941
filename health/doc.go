// Package health checks the components of a running conveyor bus: the broker
// connection, the publisher channel pool, the consumer channels and the
// outbox backlog. Registry runs the checks concurrently and folds their
// statuses into one Report.
package health
