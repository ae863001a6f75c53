// Package protocol defines the wire format spoken with the structure gateway.
//
// Outbound requests are JSON objects carrying action-specific fields plus a
// per-connection "nonce". Inbound frames are decoded into an Envelope and then
// classified:
//   - a response, when its nonce matches an outstanding request
//   - a named event ("event" field)
//   - a typed push ("type" field: "block update" or "transact")
//   - anything else, which is dropped
//
// Failures are reported as *Error values whose Kind is the server-supplied
// classification string, plus the client-local kinds "connection closed" and
// "invalid credential".
package protocol
