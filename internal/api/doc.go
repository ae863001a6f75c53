// Package api provides typed wrappers for structure gateway actions.
//
// Each method builds one request payload, sends it through a Requester
// (normally the connection manager) and projects the result field it cares
// about. Failures keep their protocol kind, so errors.Is(err,
// protocol.ErrOutOfFuel) works on anything returned here.
//
// Actions:
//   - get_block / set_block
//   - get_sign_text / set_sign_text
//   - get_inventory, get_entities
//   - pay, craft, get_fuel
package api
