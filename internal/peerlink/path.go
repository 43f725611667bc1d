package peerlink

import (
	"strings"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/peerlink"
)

// StampPath returns a copy of msg with nodeID appended to its path header.
// msg itself is shared with other subscriptions and is not modified.
func StampPath(msg *message.Message, nodeID string) *message.Message {
	stamped := *msg
	stamped.Headers = make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		stamped.Headers[k] = v
	}
	stamped.Headers[peerlink.PathHeader] = appendPath(msg.Headers[peerlink.PathHeader], nodeID)
	return &stamped
}

// Visited reports whether nodeID already appears in the path header of msg
func Visited(msg *message.Message, nodeID string) bool {
	path, ok := msg.Header(peerlink.PathHeader)
	if !ok || path == "" {
		return false
	}
	for _, hop := range strings.Split(path, ",") {
		if hop == nodeID {
			return true
		}
	}
	return false
}

func appendPath(path, nodeID string) string {
	if path == "" {
		return nodeID
	}
	return path + "," + nodeID
}
