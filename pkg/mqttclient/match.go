package mqttclient

import "strings"

// MatchesFilter reports whether an MQTT topic filter matches a concrete
// topic. `+` matches exactly one level, a trailing `#` matches all remaining
// levels (including zero). Matching is purely structural.
func MatchesFilter(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")

	for i, fp := range fparts {
		if fp == "#" {
			// Only valid as the last level.
			return i == len(fparts)-1
		}

		if i >= len(tparts) {
			return false
		}

		if fp != "+" && fp != tparts[i] {
			return false
		}
	}

	return len(fparts) == len(tparts)
}
