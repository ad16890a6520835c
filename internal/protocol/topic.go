package protocol

import "strings"

const dmPrefix = "dm_"

// DMTopic builds the canonical direct-message topic for two users. The
// participants are ordered lexicographically so both sides derive the same
// name.
func DMTopic(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return dmPrefix + a + "_" + b
}

// IsDMTopic reports whether topic names a direct-message conversation.
func IsDMTopic(topic string) bool {
	return len(topic) > len(dmPrefix) && strings.HasPrefix(topic, dmPrefix)
}

// DMPeer resolves the participant of a DM topic that is not sender. It
// returns "" when topic is not a well-formed DM topic.
func DMPeer(topic, sender string) string {
	if !IsDMTopic(topic) {
		return ""
	}
	rest := topic[len(dmPrefix):]
	sep := strings.Index(rest, "_")
	if sep < 0 {
		return ""
	}
	first, second := rest[:sep], rest[sep+1:]
	if first == sender {
		return second
	}
	return first
}
