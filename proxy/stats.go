package proxy

import "strings"

// statsSuffixes are the recognized stats key suffixes (§4.6).
var statsSuffixes = []string{"flush_cnt", "flushed_key_cnt", "messages_cnt", "messages_bytes"}

// counters holds the proxy's self-metrics between stats flushes.
type counters struct {
	flushCnt      uint64
	flushedKeyCnt uint64
	messagesCnt   uint64
	messagesBytes uint64
}

func (c *counters) reset() {
	*c = counters{}
}

// sanitizeComponent replaces every "." in s with "-", per §4.6's key
// template ("each component's '.' replaced by '-'").
func sanitizeComponent(s string) string {
	return strings.ReplaceAll(s, ".", "-")
}

// statsKeyPrefix builds "<prefix>.<consumer_group>.<topic_prefix>.<channel>"
// with each component sanitized, the shared prefix of every stats key
// (§4.6).
func statsKeyPrefix(prefix, consumerGroup, topicPrefix, channel string) string {
	parts := []string{prefix, consumerGroup, topicPrefix, channel}
	for i, p := range parts {
		parts[i] = sanitizeComponent(p)
	}
	return strings.Join(parts, ".")
}

// statsKeyName builds the full stats key for one suffix.
func statsKeyName(prefix, consumerGroup, topicPrefix, channel, suffix string) string {
	return statsKeyPrefix(prefix, consumerGroup, topicPrefix, channel) + "." + suffix
}
