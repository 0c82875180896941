// Package outbox implements the transactional outbox and inbox.
//
// Manager.Send persists outgoing messages as OutboxMessage rows instead of
// publishing them; the Processor relays unprocessed rows to the broker on a
// fixed interval and marks them processed. Manager.Handle consults the inbox
// so a redelivered message runs its handler at most once, provided the
// handler's effects and the inbox row commit in the same transaction.
//
// Store implementations live in the memory, gormstore and redisinbox
// subpackages.
package outbox
