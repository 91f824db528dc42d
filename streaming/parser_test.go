package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectParserSingleObjectInOneFeed(t *testing.T) {
	p := NewObjectParser()
	objs := p.Feed([]byte(`{"a":1}`))
	require.Len(t, objs, 1)
	assert.JSONEq(t, `{"a":1}`, string(objs[0]))
}

func TestObjectParserTwoConcatenatedObjects(t *testing.T) {
	p := NewObjectParser()
	objs := p.Feed([]byte(`{"a":1}{"b":2}`))
	require.Len(t, objs, 2)
	assert.JSONEq(t, `{"a":1}`, string(objs[0]))
	assert.JSONEq(t, `{"b":2}`, string(objs[1]))
}

func TestObjectParserObjectSplitAcrossFeeds(t *testing.T) {
	p := NewObjectParser()
	objs := p.Feed([]byte(`{"a":`))
	assert.Empty(t, objs)

	objs = p.Feed([]byte(`1}`))
	require.Len(t, objs, 1)
	assert.JSONEq(t, `{"a":1}`, string(objs[0]))
}

func TestObjectParserIgnoresBracesInsideStrings(t *testing.T) {
	p := NewObjectParser()
	objs := p.Feed([]byte(`{"text":"a { b } c"}`))
	require.Len(t, objs, 1)
	assert.JSONEq(t, `{"text":"a { b } c"}`, string(objs[0]))
}

func TestObjectParserHandlesEscapedQuoteInString(t *testing.T) {
	p := NewObjectParser()
	objs := p.Feed([]byte(`{"text":"she said \"hi { there\""}`))
	require.Len(t, objs, 1)
	assert.JSONEq(t, `{"text":"she said \"hi { there\""}`, string(objs[0]))
}

func TestObjectParserNestedObjects(t *testing.T) {
	p := NewObjectParser()
	objs := p.Feed([]byte(`{"outer":{"inner":{"deep":1}}}`))
	require.Len(t, objs, 1)
	assert.JSONEq(t, `{"outer":{"inner":{"deep":1}}}`, string(objs[0]))
}

func TestObjectParserByteAtATimeMatchesWholeFeed(t *testing.T) {
	input := `{"a":1}{"b":{"c":"x{y}z"}}{"d":3}`
	p := NewObjectParser()
	var got [][]byte
	for i := 0; i < len(input); i++ {
		got = append(got, p.Feed([]byte{input[i]})...)
	}
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"a":1}`, string(got[0]))
	assert.JSONEq(t, `{"b":{"c":"x{y}z"}}`, string(got[1]))
	assert.JSONEq(t, `{"d":3}`, string(got[2]))
}

func TestObjectParserFlushReturnsIncompleteTail(t *testing.T) {
	p := NewObjectParser()
	objs := p.Feed([]byte(`{"a":1}{"b":`))
	require.Len(t, objs, 1)

	tail := p.Flush()
	assert.Equal(t, []byte(`{"b":`), tail)
}

func TestObjectParserFlushEmptyWhenNothingBuffered(t *testing.T) {
	p := NewObjectParser()
	_ = p.Feed([]byte(`{"a":1}`))
	assert.Nil(t, p.Flush())
}
