// Package mqtt connects the bridge to the Home Assistant MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retained flags
//   - Subscriptions that survive reconnects
//   - A retained status topic backed by a Last Will, so Home Assistant marks
//     every bridge entity unavailable when the bridge dies
//
// # Topic Layout
//
// Runtime topics live under {base}/{entry_id}, discovery configs under the
// Home Assistant discovery prefix:
//
//	viam/{entry}/status                    bridge process online/offline (LWT)
//	viam/{entry}/availability              robot session online/offline
//	viam/{entry}/cover/{motor}/set         OPEN / CLOSE / STOP from HA
//	viam/{entry}/cover/{motor}/state       open, opening, closed, closing
//	viam/{entry}/sensor/{name}/state       primary value
//	homeassistant/cover/{entry}/{id}/config
//
// # Security Considerations
//
//   - Set cfg.Broker.TLS when the broker is not on the same host
//   - Broker credentials come from VIAMBRIDGE_MQTT_USERNAME/PASSWORD
//
// # Usage
//
//	topics := mqtt.NewTopics("homeassistant", "viam", entryID)
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Status{Topic: topics.Status()})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(topics.CoverCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        motor, _ := topics.MotorFromCommand(topic)
//	        return dispatch(motor, string(payload))
//	    })
package mqtt
