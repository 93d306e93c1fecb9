// Package events decodes change notification payloads. A payload describes
// the database that raised it, the kind of event and, for change events,
// the queries, tables and rows that were affected. Payloads arrive on a
// transport goroutine; everything decoded here is copied out of the payload
// so the transport may reuse its buffer as soon as decoding returns.
package events
