// Package idempotency remembers which notifications were already relayed.
//
// Two independent axes are tracked: the delivery (request-id plus
// request-timestamp headers) and the change (resource plus subscription).
// Entries live for a fixed retention window. Lookups ignore expired entries;
// physical removal happens in the background sweep (or via backend TTL).
package idempotency
