package streaming

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterWriteJSONFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	require.NoError(t, w.WriteJSON(map[string]string{"a": "b"}))
	assert.Equal(t, "data: {\"a\":\"b\"}\n\n", buf.String())
}

func TestWriterDoneFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	require.NoError(t, w.Done())
	assert.Equal(t, "data: [DONE]\n\n", buf.String())
}

func TestWriterErrorFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	require.NoError(t, w.WriteError("boom"))
	assert.Contains(t, buf.String(), `"error"`)
	assert.Contains(t, buf.String(), "boom")
}
