// Package mqtt provides MQTT connectivity for HomeDash Core.
//
// The broker carries three kinds of traffic:
//   - inbound messages that fire mqtt and zwave automation triggers
//   - outbound commands for locally controlled devices (homedash/command/<entity>)
//   - a summary of every automation run (homedash/automation/<id>/fired)
//
// The client reconnects with exponential backoff, restores its
// subscriptions after each reconnect, and keeps a retained status on
// homedash/system/status, with a Last Will so an unexpected exit reads as
// offline.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("zwave/#", 1, func(topic string, payload []byte) error {
//	    return nil
//	})
//
//	client.Publish(mqtt.Topics{}.DeviceCommand("switch.garage_fan"), body, 1, false)
package mqtt
