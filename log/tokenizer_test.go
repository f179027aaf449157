package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizer(t *testing.T) {
	t.Parallel()

	tokens, err := tokenize("file=/tmp/cdp.log,level=debug,categories=[Session,Connection],x=1")
	require.NoError(t, err)
	assert.Equal(t, []token{
		{key: "file", value: "/tmp/cdp.log"},
		{key: "level", value: "debug"},
		{key: "categories", value: "Session,Connection", inside: '['},
		{key: "x", value: "1"},
	}, tokens)

	_, err = tokenize("empty=")
	assert.EqualError(t, err, "key `empty=` with no value")

	_, err = tokenize("file=/tmp/cdp.log,unknown")
	assert.EqualError(t, err, "key `unknown` with no value")

	_, err = tokenize("a=[1,2")
	assert.Error(t, err)

	_, err = tokenize("a=[1]b")
	assert.Error(t, err)
}
