package telemetry

import (
	"context"
	"strings"
)

const typeSeparator = "."

// Match reports whether t matches pattern. Segments are split on "."; "*"
// matches exactly one segment and "#" matches zero or more.
func Match(pattern string, t EventType) bool {
	if pattern == string(t) || pattern == "#" {
		return true
	}
	return matchSegments(strings.Split(pattern, typeSeparator), strings.Split(string(t), typeSeparator))
}

func matchSegments(pattern, topic []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == "#" {
			rest := pattern[1:]
			for i := 0; i <= len(topic); i++ {
				if matchSegments(rest, topic[i:]) {
					return true
				}
			}
			return false
		}
		if len(topic) == 0 || (head != "*" && head != topic[0]) {
			return false
		}
		pattern, topic = pattern[1:], topic[1:]
	}
	return len(topic) == 0
}

type routedSink struct {
	sink     Sink
	patterns []string
}

// Route forwards only events whose type matches one of patterns. With no
// patterns every event passes.
func Route(sink Sink, patterns ...string) Sink {
	sink = Normalize(sink)
	clean := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			clean = append(clean, p)
		}
	}
	if len(clean) == 0 {
		return sink
	}
	return routedSink{sink: sink, patterns: clean}
}

func (r routedSink) Emit(ctx context.Context, event Event) {
	for _, p := range r.patterns {
		if Match(p, event.Type) {
			r.sink.Emit(ctx, event)
			return
		}
	}
}
