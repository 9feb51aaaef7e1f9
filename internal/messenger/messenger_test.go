package messenger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreadKeyRoundTrip(t *testing.T) {
	chat := Route{ChatID: 101}
	assert.Equal(t, "telegram:chat:101", ThreadKey(chat))

	topic := Route{ChatID: 101, MessageThreadID: 777}
	assert.Equal(t, "telegram:chat:101:topic:777", ThreadKey(topic))

	parsed, ok := ParseThreadKey("telegram:chat:101:topic:777")
	assert.True(t, ok)
	assert.Equal(t, topic, parsed)

	parsed, ok = ParseThreadKey("telegram:chat:101")
	assert.True(t, ok)
	assert.Equal(t, chat, parsed)

	for _, key := range []string{"cli:default", "telegram:chat:x", "telegram:chat:1:topic:", "telegram:topic:1"} {
		_, ok := ParseThreadKey(key)
		assert.False(t, ok, key)
	}
}

func TestSanitizeProvider(t *testing.T) {
	assert.Equal(t, "telegram", SanitizeProvider("Telegram"))
	assert.Equal(t, "my_adapter", SanitizeProvider("My Adapter"))
	assert.Equal(t, "adapter", SanitizeProvider(""))
}

func TestIsMessageGone(t *testing.T) {
	assert.True(t, IsMessageGone(errors.New("Bad Request: message to edit not found")))
	assert.True(t, IsMessageGone(errors.New("Bad Request: message can't be edited")))
	assert.False(t, IsMessageGone(errors.New("Too Many Requests: retry after 5")))
	assert.False(t, IsMessageGone(nil))
}
