package expansions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/postern/internal/expansion"
)

func mqttRelay() expansion.Expansion {
	return expansion.Expansion{
		ID:          IDMQTTRelay,
		DisplayName: "MQTT Relay",
		Description: "Publishes an envelope for every received message to MQTT.",
		Icon:        "radio",
		Interceptors: []expansion.Interceptor{
			{
				Trigger: expansion.TriggerReceived,
				Kind:    expansion.KindAsync,
				Needs:   []expansion.Capability{expansion.CapEvents},
				Execute: relayReceived,
			},
		},
	}
}

// ReceivedTopic is the relay topic, relative to the publisher prefix.
func ReceivedTopic(userID string) string {
	return userID + "/received"
}

func relayReceived(ctx context.Context, ic *expansion.Context, svc *expansion.Services) (expansion.Result, error) {
	if ic.Message == nil {
		return expansion.Result{Success: true}, nil
	}

	// Envelope only; bodies stay off the broker.
	env := *ic.Message
	env.Body = ""
	payload, err := json.Marshal(env)
	if err != nil {
		return expansion.Result{}, fmt.Errorf("encode envelope: %w", err)
	}

	topic := ReceivedTopic(ic.UserID)
	if err := svc.Events.PublishEvent(ctx, topic, payload); err != nil {
		return expansion.Result{}, err
	}
	return expansion.Result{Success: true, Data: map[string]any{"topic": topic}}, nil
}
