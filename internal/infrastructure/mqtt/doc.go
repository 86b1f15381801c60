// Package mqtt provides the helper bot: Bumper's own MQTT client, connected
// to the in-process MQTT listener, used to address bots on behalf of the
// admin listener.
//
// This package manages:
//   - Connection to the local listener with auto-reconnect
//   - Request/response command exchange over the p2p topic scheme
//   - Topic subscriptions that survive reconnects
//   - Connection health monitoring
//
// # Topics
//
// A command to a bot is published on
//
//	iot/p2p/{cmd}/helperbot/bumper/helperbot/{did}/{class}/{res}/q/{requestID}/j
//
// and the bot answers on
//
//	iot/p2p/{cmd}/{did}/{class}/{res}/helperbot/bumper/helperbot/p/{requestID}/j
//
// The payload is passed through untouched.
//
// # Usage
//
//	bot := mqtt.New(mqtt.Options{Broker: "127.0.0.1:8883", Password: secret, HelperBotConfig: cfg.HelperBot})
//	if err := bot.Connect(ctx); err != nil {
//	    return err
//	}
//	defer bot.Close()
//
//	resp, err := bot.SendCommand(ctx, mqtt.Command{
//	    Name: "getBattery", DID: did, Class: "ls1ok3", Resource: "atom",
//	})
package mqtt
