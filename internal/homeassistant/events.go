package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	haclient "github.com/mkelcik/go-ha-client/v2"
)

// ErrNoWebSocket is returned by Connect and Subscribe on REST-only clients.
var ErrNoWebSocket = errors.New("homeassistant: WebSocket client not configured")

// StateChange is one entity's new state, pushed by the backend.
type StateChange struct {
	EntityID string
	State    *State // nil when the entity was removed
}

// Connect establishes the WebSocket connection. Must be called before Subscribe.
func (c *Client) Connect(ctx context.Context) error {
	if c.ws == nil {
		return ErrNoWebSocket
	}
	return c.ws.Connect(ctx)
}

// Close shuts down the WebSocket connection gracefully.
func (c *Client) Close() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// Subscribe streams state_changed events to fn until ctx is cancelled.
// The new state is decoded from the event itself into the shape GetState
// returns, so the read loop makes no REST calls.
func (c *Client) Subscribe(ctx context.Context, fn func(StateChange)) error {
	if c.ws == nil {
		return ErrNoWebSocket
	}

	sub, err := c.ws.SubscribeEvents(ctx, haclient.EventTypeStateChanged)
	if err != nil {
		return fmt.Errorf("subscribe state_changed: %w", err)
	}
	defer func() { _ = sub.Unsubscribe(context.WithoutCancel(ctx)) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("subscription events channel closed")
			}
			if ev.EventType != haclient.EventTypeStateChanged {
				continue
			}
			change, parseErr := decodeStateChange(ev.Data)
			if parseErr != nil {
				c.logger.Debug("failed to parse state_changed event", "error", parseErr)
				continue
			}
			fn(change)
		case subErr, ok := <-sub.Errors():
			if !ok {
				return fmt.Errorf("subscription errors channel closed")
			}
			// Auto-reconnect restores the subscription.
			c.logger.Error("subscription error", "error", subErr)
		}
	}
}

// stateChangedData is the data of a state_changed event. new_state is null
// when the entity was removed.
type stateChangedData struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
}

func decodeStateChange(raw json.RawMessage) (StateChange, error) {
	var data stateChangedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return StateChange{}, err
	}
	if data.EntityID == "" {
		return StateChange{}, errors.New("state_changed event without entity_id")
	}
	if data.NewState != nil && data.NewState.EntityID == "" {
		data.NewState.EntityID = data.EntityID
	}
	return StateChange{EntityID: data.EntityID, State: data.NewState}, nil
}
