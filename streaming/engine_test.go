package streaming

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laiskygw/geminigw/transform"
)

func TestPumpUpstreamTranslatesObjectsAndTerminates(t *testing.T) {
	body := strings.NewReader(`{"candidates":[{"content":{"parts":[{"text":"hi"}]},"index":0}]}` +
		`{"candidates":[{"content":{"parts":[{"text":" there"}]},"finishReason":"STOP","index":0}]}`)

	var out bytes.Buffer
	w := NewWriter(&out, nil)
	state := transform.NewStreamState()

	err := PumpUpstream(body, w, state, "gemini-2.5-flash")
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, `"content":"hi"`)
	assert.Contains(t, text, `"content":" there"`)
	assert.Contains(t, text, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(text, "data: [DONE]\n\n"))
}

func TestPumpUpstreamSkipsUnparseableObject(t *testing.T) {
	// a malformed object still balances braces so the parser extracts it;
	// json.Unmarshal then fails and emitOne logs and skips it.
	body := strings.NewReader(`{malformed}{"candidates":[{"content":{"parts":[{"text":"ok"}]},"index":0}]}`)

	var out bytes.Buffer
	w := NewWriter(&out, nil)
	state := transform.NewStreamState()

	err := PumpUpstream(body, w, state, "gemini-2.5-flash")
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"content":"ok"`)
	assert.True(t, strings.HasSuffix(out.String(), "data: [DONE]\n\n"))
}

func TestKeepAliveEmitsHeartbeatsThenFinal(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, nil)

	call := func(ctx context.Context) (*transform.ChatResponse, error) {
		time.Sleep(25 * time.Millisecond)
		content := "done"
		finish := "stop"
		return &transform.ChatResponse{
			ID:      "chatcmpl-final",
			Choices: []transform.Choice{{Index: 0, Message: transform.ChoiceMessage{Role: "assistant", Content: &content}, FinishReason: &finish}},
		}, nil
	}

	err := KeepAlive(context.Background(), w, 5*time.Millisecond, "gemini-2.5-flash", call)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "chatcmpl-heartbeat")
	assert.Contains(t, text, `"content":"done"`)
	assert.True(t, strings.HasSuffix(text, "data: [DONE]\n\n"))
}

func TestKeepAliveSurfacesCallError(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, nil)

	call := func(ctx context.Context) (*transform.ChatResponse, error) {
		return nil, assertErr
	}

	err := KeepAlive(context.Background(), w, 5*time.Millisecond, "gemini-2.5-flash", call)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"error"`)
}

func TestKeepAliveStopsHeartbeatsOnContextCancel(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	call := func(ctx context.Context) (*transform.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- KeepAlive(ctx, w, 5*time.Millisecond, "gemini-2.5-flash", call) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("KeepAlive did not return after context cancellation")
	}

	assert.True(t, strings.HasSuffix(out.String(), "data: [DONE]\n\n"))
}

var assertErr = &testErr{"upstream exploded"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
