package peerlink

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/peerlink"
)

func TestStampPath(t *testing.T) {
	msg := message.NewWithHeaders("a.b", []byte("x"), map[string]string{"k": "v"})

	first := StampPath(msg, "n1")
	second := StampPath(first, "n2")

	assert.Equal(t, "n1", first.Headers[peerlink.PathHeader])
	assert.Equal(t, "n1,n2", second.Headers[peerlink.PathHeader])
	assert.Equal(t, "v", second.Headers["k"])
	assert.Equal(t, msg.ID, second.ID)

	_, stamped := msg.Header(peerlink.PathHeader)
	assert.False(t, stamped, "original message must not change")
}

func TestVisited(t *testing.T) {
	msg := message.NewWithHeaders("a", nil, map[string]string{peerlink.PathHeader: "edge-1,core"})

	assert.True(t, Visited(msg, "edge-1"))
	assert.True(t, Visited(msg, "core"))
	assert.False(t, Visited(msg, "edge"))
	assert.False(t, Visited(message.New("a", nil), "edge-1"))
}
