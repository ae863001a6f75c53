package api

import "github.com/rickgao/structlink/internal/protocol"

// Action names understood by the gateway.
const (
	ActionGetBlock     = "get_block"
	ActionSetBlock     = "set_block"
	ActionGetSignText  = "get_sign_text"
	ActionSetSignText  = "set_sign_text"
	ActionGetInventory = "get_inventory"
	ActionGetEntities  = "get_entities"
	ActionPay          = "pay"
	ActionCraft        = "craft"
	ActionGetFuel      = "get_fuel"
)

// ItemStack is one inventory slot.
type ItemStack struct {
	Slot  int    `json:"slot"`
	Item  string `json:"item"`
	Count int    `json:"count"`
}

// Entity is a living or item entity inside the structure.
type Entity struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	Position protocol.Position `json:"position"`
}

// Fuel is the structure's fuel gauge.
type Fuel struct {
	Level    float64 `json:"fuel"`
	Capacity float64 `json:"capacity"`
}
