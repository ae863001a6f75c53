package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rickgao/structlink/internal/protocol"
)

// GetBlock returns the block at pos.
func (c *Client) GetBlock(ctx context.Context, pos protocol.Position) (*protocol.Block, error) {
	resp, err := c.do(ctx, ActionGetBlock, pos.Params())
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := resp.Field("block", &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", ActionGetBlock, err)
	}
	block := protocol.ParseBlock(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: response has no block", ActionGetBlock)
	}
	return block, nil
}

// SetBlock places block at pos.
func (c *Client) SetBlock(ctx context.Context, pos protocol.Position, block string) error {
	params := pos.Params()
	params["block"] = block
	_, err := c.do(ctx, ActionSetBlock, params)
	return err
}

// GetSignText returns the lines of the sign at pos.
func (c *Client) GetSignText(ctx context.Context, pos protocol.Position) ([]string, error) {
	resp, err := c.do(ctx, ActionGetSignText, pos.Params())
	if err != nil {
		return nil, err
	}
	var lines []string
	if err := resp.Field("lines", &lines); err != nil {
		return nil, fmt.Errorf("%s: %w", ActionGetSignText, err)
	}
	return lines, nil
}

// SetSignText replaces the lines of the sign at pos.
func (c *Client) SetSignText(ctx context.Context, pos protocol.Position, lines []string) error {
	params := pos.Params()
	params["lines"] = lines
	_, err := c.do(ctx, ActionSetSignText, params)
	return err
}

// GetInventory returns the contents of the container at pos.
func (c *Client) GetInventory(ctx context.Context, pos protocol.Position) ([]ItemStack, error) {
	resp, err := c.do(ctx, ActionGetInventory, pos.Params())
	if err != nil {
		return nil, err
	}
	var items []ItemStack
	if err := resp.Field("items", &items); err != nil {
		return nil, fmt.Errorf("%s: %w", ActionGetInventory, err)
	}
	return items, nil
}

// GetEntities lists the entities inside the structure.
func (c *Client) GetEntities(ctx context.Context) ([]Entity, error) {
	resp, err := c.do(ctx, ActionGetEntities, nil)
	if err != nil {
		return nil, err
	}
	var entities []Entity
	if err := resp.Field("entities", &entities); err != nil {
		return nil, fmt.Errorf("%s: %w", ActionGetEntities, err)
	}
	return entities, nil
}

// Pay transfers amount to player.
func (c *Client) Pay(ctx context.Context, player string, amount float64) error {
	_, err := c.do(ctx, ActionPay, protocol.Payload{"player": player, "amount": amount})
	return err
}

// Craft crafts count of item and returns how many were produced.
func (c *Client) Craft(ctx context.Context, item string, count int) (int, error) {
	resp, err := c.do(ctx, ActionCraft, protocol.Payload{"item": item, "count": count})
	if err != nil {
		return 0, err
	}
	var crafted int
	if err := resp.Field("crafted", &crafted); err != nil {
		// Older gateways only acknowledge.
		if errors.Is(err, protocol.ErrNoField) {
			return count, nil
		}
		return 0, fmt.Errorf("%s: %w", ActionCraft, err)
	}
	return crafted, nil
}

// GetFuel returns the structure's fuel gauge.
func (c *Client) GetFuel(ctx context.Context) (*Fuel, error) {
	resp, err := c.do(ctx, ActionGetFuel, nil)
	if err != nil {
		return nil, err
	}
	var fuel Fuel
	if err := resp.Decode(&fuel); err != nil {
		return nil, fmt.Errorf("%s: %w", ActionGetFuel, err)
	}
	return &fuel, nil
}

// do sends one action and wraps failures with the action name.
func (c *Client) do(ctx context.Context, action string, params protocol.Payload) (*protocol.Response, error) {
	payload := protocol.Payload{protocol.FieldAction: action}
	for k, v := range params {
		payload[k] = v
	}

	resp, err := c.requester.Request(ctx, payload)
	if err != nil {
		c.logger.Debug("action failed", "action", action, "kind", protocol.KindOf(err), "error", err)
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	return resp, nil
}
