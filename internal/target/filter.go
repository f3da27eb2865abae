package target

import (
	"github.com/zulandar/chatferry/internal/remote"
)

// Filter decides whether a message is eligible for delivery. Skipped
// messages are never recorded: they stay absent from the correlation
// history and are re-evaluated on every run.
type Filter struct {
	sendText bool
	allowed  map[remote.Kind]bool
}

// NewFilter builds a filter from the text-only toggle and the media-kind
// allow-list.
func NewFilter(sendText bool, kinds []remote.Kind) *Filter {
	allowed := make(map[remote.Kind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	return &Filter{sendText: sendText, allowed: allowed}
}

// Allow reports whether msg may proceed to delivery, with a reason for the
// skip log when it may not.
func (f *Filter) Allow(msg *Message) (bool, string) {
	if msg.Media == nil {
		if !f.sendText {
			return false, "text-only messages disabled"
		}
		return true, ""
	}
	if !f.allowed[msg.Media.Kind] {
		return false, "media kind " + string(msg.Media.Kind) + " not in allow-list"
	}
	return true, ""
}
