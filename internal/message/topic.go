package message

import "strings"

// Match reports whether topic matches pattern using MQTT filter rules: "+"
// matches exactly one level and a trailing "#" matches the parent level and
// everything below it.
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	// Topics starting with $ are reserved and never match a leading wildcard.
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(pattern, "+") || strings.HasPrefix(pattern, "#")) {
		return false
	}

	pl := strings.Split(pattern, "/")
	tl := strings.Split(topic, "/")
	for i, p := range pl {
		if p == "#" {
			return i == len(pl)-1
		}
		if i >= len(tl) {
			return false
		}
		if p != "+" && p != tl[i] {
			return false
		}
	}
	return len(pl) == len(tl)
}

// ValidPattern reports whether pattern is a well formed subscription filter.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	levels := strings.Split(pattern, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return false
		}
		if strings.Contains(l, "+") && l != "+" {
			return false
		}
	}
	return true
}
