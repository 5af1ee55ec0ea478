package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractObjectFromFence(t *testing.T) {
	raw := "분류 결과입니다.\n```json\n{\"agent_id\": \"cto_manager\", \"reason\": \"서버 {장애}\"}\n```\n끝"
	out, ok := ExtractObject(raw)
	assert.True(t, ok)
	assert.Equal(t, `{"agent_id": "cto_manager", "reason": "서버 {장애}"}`, out)
}

func TestExtractJSONPrefersFirstOpener(t *testing.T) {
	out, ok := ExtractJSON(`prefix [1, {"a": 2}] tail {"b": 3}`)
	assert.True(t, ok)
	assert.Equal(t, `[1, {"a": 2}]`, out)

	out, ok = ExtractJSON(`{"a": [1,2]} then [3]`)
	assert.True(t, ok)
	assert.Equal(t, `{"a": [1,2]}`, out)
}

func TestExtractHandlesEscapedQuotes(t *testing.T) {
	out, ok := ExtractObject(`{"reason": "he said \"}\" loudly"}`)
	assert.True(t, ok)
	assert.Equal(t, `{"reason": "he said \"}\" loudly"}`, out)
}

func TestExtractUnbalanced(t *testing.T) {
	_, ok := ExtractObject(`{"agent_id": "x"`)
	assert.False(t, ok)
	_, ok = ExtractArray("no json here")
	assert.False(t, ok)
}
