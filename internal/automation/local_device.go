package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/homedash-core/internal/infrastructure/mqtt"
)

// commandQoS is used for device commands: at-least-once, never retained.
const commandQoS = 1

// MQTTDeviceController sends local_device actions to a bridge listening on
// homedash/command/<entity_id>.
type MQTTDeviceController struct {
	client MQTTClient
	topics mqtt.Topics
}

// NewMQTTDeviceController creates a controller publishing through client.
func NewMQTTDeviceController(client MQTTClient) *MQTTDeviceController {
	return &MQTTDeviceController{client: client}
}

type deviceCommand struct {
	ID         string         `json:"id"`
	EntityID   string         `json:"entity_id"`
	Service    string         `json:"service"`
	Parameters map[string]any `json:"parameters"`
	Source     string         `json:"source"`
	Timestamp  string         `json:"timestamp"`
}

// Command publishes one command. The broker acknowledgement is the only
// confirmation; the device's new state arrives later as an event.
func (c *MQTTDeviceController) Command(ctx context.Context, entityID, service string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := deepCopyMap(data)
	if params == nil {
		params = make(map[string]any)
	}
	payload, err := json.Marshal(deviceCommand{
		ID:         GenerateID(),
		EntityID:   entityID,
		Service:    service,
		Parameters: params,
		Source:     "automation",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshalling command: %w", err)
	}

	topic := c.topics.DeviceCommand(entityID)
	if err := c.client.Publish(topic, payload, commandQoS, false); err != nil {
		return fmt.Errorf("publishing to %q: %w", topic, err)
	}
	return nil
}
