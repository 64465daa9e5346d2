// Package mqtt is the bridge's broker connection.
//
// One connection carries two kinds of traffic: the ESP gateway's
// RAMSES/GATEWAY/{id}/rx and /tx topics, and the graylogic/... topics
// that Core consumes.
//
//	RF devices <-> ESP gateway <-> broker <-> bridge <-> broker <-> Core
//
// The client reconnects on its own and renews its subscriptions after
// every reconnect. A Will registered at Connect publishes the bridge's
// offline status if the process dies.
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic:    ramses.HealthTopic(),
//	    Payload:  offline,
//	    QoS:      1,
//	    Retained: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Production brokers should require TLS (mqtt.broker.tls) and
// credentials; anonymous access is for local development.
package mqtt
