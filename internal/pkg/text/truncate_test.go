package text

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateKeepsRunesIntact(t *testing.T) {
	out := Truncate("삼성전자 매수 의견", 5)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "삼...", out)
}

func TestTruncateShortInputUnchanged(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "abc", Truncate("abc", 0))
}
