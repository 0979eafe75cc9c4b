// Package events is a fan-out pub/sub bus for container lifecycle
// notifications; nothing else in this module uses it, and there is no
// events() RPC method. Delivery is best-effort:
// a subscriber with a full buffer silently misses an event rather than
// blocking the publisher.
package events
