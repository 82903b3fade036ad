// Package mqtt connects NOC Core to the MQTT broker.
//
// Topics:
//
//	noc/events/status        inbound device status events (webhook body)
//	noc/incidents/created    incident opened (parent or cascade child)
//	noc/incidents/closed     incident closed
//	noc/status/{device}      retained last known status per device
//	noc/system/status        retained service online/offline, with LWT
//
// The client reconnects with backoff and restores its subscriptions.
// Handler panics are recovered and logged.
//
// Usage:
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	err = client.Subscribe(mqtt.Topics{}.EventsStatus(), 1, handleEvent)
package mqtt
