// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns exactly one WebSocket connection to a structure gateway
//   - Performs the login handshake: decode credential, dial, authenticate
//   - Feeds inbound frames to the request dispatcher, then to the router
//   - Rejects every outstanding request when the connection closes
//   - Hands out-of-fuel failures to the retry queue when retry mode is on
//
// A new Login replaces the previous connection wholesale, including its
// correlation table and nonce counter.
package connection
