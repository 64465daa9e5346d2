package main

import (
	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/mqtt"
)

// mqttPubSub is the part of *mqtt.Client the adapter needs.
type mqttPubSub interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// mqttAdapter adapts the infrastructure MQTT client to ramses.MQTTClient.
// The difference is the handler signature:
//   - Infrastructure mqtt: func(topic string, payload []byte) error
//   - ramses expects: func(topic string, payload []byte)
type mqttAdapter struct {
	client mqttPubSub
	log    *logging.Logger
}

// Publish implements ramses.MQTTClient.
func (a *mqttAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements ramses.MQTTClient.
func (a *mqttAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements ramses.MQTTClient.
func (a *mqttAdapter) Unsubscribe(topic string) error {
	if err := a.client.Unsubscribe(topic); err != nil {
		a.log.Debug("unsubscribe failed", "topic", topic, "error", err)
		return err
	}
	return nil
}
