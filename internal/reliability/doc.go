// Package reliability provides the bounded retry used around message handlers.
//
// Retry runs a function until it succeeds or its RetryPolicy gives up.
// ExponentialBackoff waits interval * 2^attempt between invocations and
// counts attempts as total invocations, so a policy of three attempts calls
// the function at most three times. Errors wrapped with Permanent stop the
// loop immediately.
package reliability
