package stream

import (
	"maps"
	"strings"

	"github.com/pitabwire/xrpc/model"
)

// NormalizeType rewrites a "$type" tag relative to the subscribing method.
// Tags local to the method ("#name" or "<methodID>#name") become "#name";
// anything else stays fully qualified.
func NormalizeType(tag, methodID string) string {
	parts := strings.Split(tag, "#")
	if len(parts) == 2 && (parts[0] == "" || parts[0] == methodID) {
		return "#" + parts[1]
	}
	return tag
}

// Classify turns a produced value into a frame. Frames pass through
// unchanged. Maps with a string "$type" become tagged message frames whose
// body no longer carries the tag. Anything else is an untagged message.
func Classify(v any, methodID string) model.Frame {
	switch v := v.(type) {
	case model.Frame:
		return v
	case map[string]any:
		tag, ok := v["$type"].(string)
		if !ok {
			return &model.MessageFrame{Body: v}
		}
		body := maps.Clone(v)
		delete(body, "$type")
		return &model.MessageFrame{Type: NormalizeType(tag, methodID), Body: body}
	default:
		return &model.MessageFrame{Body: v}
	}
}
