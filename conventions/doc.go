// Package conventions maps message types to broker coordinates.
//
// By default a type's exchange is the last element of its package path,
// its routing key is the type name and its queue is built from a template
// (DefaultQueueTemplate) with the {{assembly}}, {{exchange}} and {{message}}
// placeholders. SnakeCase casing folds all three names the same way.
//
// Coordinates can be pinned per type with Resolver.Override or by
// implementing Routed. Pinned names are used verbatim.
package conventions
