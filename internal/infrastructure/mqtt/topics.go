package mqtt

import (
	"fmt"
	"strings"
)

// Topic scheme constants.
const (
	// TopicPrefixP2P is the base for request/response traffic between peers.
	TopicPrefixP2P = "iot/p2p"

	// TopicPrefixATR is the base for attribute reports bots broadcast.
	TopicPrefixATR = "iot/atr"

	// helperBotAddress is the helper bot's {id}/{realm}/{resource} triple.
	helperBotAddress = "helperbot/bumper/helperbot"

	// PayloadJSON marks a JSON payload in the final topic level.
	PayloadJSON = "j"
)

// responseLevels is the level count of a p2p response topic:
// iot/p2p/{cmd}/{did}/{class}/{res}/helperbot/bumper/helperbot/p/{rid}/{type}
const responseLevels = 12

// Topics provides builders for the device topic scheme.
//
//	topics := mqtt.Topics{}
//	topic := topics.CommandRequest("getBattery", "E0001", "ls1ok3", "atom", "a1b2c3d4")
//	// Returns: "iot/p2p/getBattery/helperbot/bumper/helperbot/E0001/ls1ok3/atom/q/a1b2c3d4/j"
type Topics struct{}

// CommandRequest returns the topic the helper bot publishes a command on.
//
// Example: iot/p2p/getBattery/helperbot/bumper/helperbot/E0001/ls1ok3/atom/q/a1b2c3d4/j
func (Topics) CommandRequest(cmd, did, class, res, requestID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s/q/%s/%s",
		TopicPrefixP2P, cmd, helperBotAddress, did, class, res, requestID, PayloadJSON)
}

// CommandResponse returns the topic a bot answers a command on.
//
// Example: iot/p2p/getBattery/E0001/ls1ok3/atom/helperbot/bumper/helperbot/p/a1b2c3d4/j
func (Topics) CommandResponse(cmd, did, class, res, requestID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s/p/%s/%s",
		TopicPrefixP2P, cmd, did, class, res, helperBotAddress, requestID, PayloadJSON)
}

// AllCommandResponses returns a pattern matching every response addressed to
// the helper bot.
//
// Pattern: iot/p2p/+/+/+/+/helperbot/bumper/helperbot/p/+/+
func (Topics) AllCommandResponses() string {
	return fmt.Sprintf("%s/+/+/+/+/%s/p/+/+", TopicPrefixP2P, helperBotAddress)
}

// BotReports returns a pattern matching every attribute report of one bot.
//
// Pattern: iot/atr/+/{did}/#
func (Topics) BotReports(did string) string {
	return fmt.Sprintf("%s/+/%s/#", TopicPrefixATR, did)
}

// parseResponseTopic extracts the command, bot and request id from a p2p
// response topic.
func parseResponseTopic(topic string) (Response, bool) {
	levels := strings.Split(topic, "/")
	if len(levels) != responseLevels || levels[0] != "iot" || levels[1] != "p2p" || levels[9] != "p" {
		return Response{}, false
	}
	if strings.Join(levels[6:9], "/") != helperBotAddress {
		return Response{}, false
	}
	return Response{
		Command:   levels[2],
		DID:       levels[3],
		Class:     levels[4],
		Resource:  levels[5],
		RequestID: levels[10],
	}, true
}
