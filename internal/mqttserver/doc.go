// Package mqttserver implements the device-facing MQTT 3.1.1 listener.
//
// Every CONNECT is classified by its client identifier, which has the form
// <id>@<realm>/<resource>:
//
//   - realm "bumper" with username "helperbot" is the internal helper bot
//     and must present the per-process secret as its password
//   - a realm starting with "ecouser" is a companion app; the username (required) is the
//     user id and the password a token or authcode checked against the registry
//   - anything else is a bot, registered (or refreshed) with
//     BotAdd(username, id, realm, resource, "eco-ng")
//
// Accepted peers have their mqtt_connection flag set for the lifetime of the
// connection. Published messages are routed in-process to matching
// subscribers at QoS 0 or 1. Retained messages and persistent sessions are
// not kept.
//
// Lifecycle:
//
//	srv, err := mqttserver.New(deps)
//	srv.Listen(ctx)  // bind
//	srv.Serve(ctx)   // accept until ctx is cancelled
//	srv.Close()      // force-close listener and connections
package mqttserver
