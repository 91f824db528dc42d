package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/Laisky/errors/v2"
	"golang.org/x/sync/errgroup"

	"github.com/laiskygw/geminigw/transform"
)

// PumpUpstream reads body through an ObjectParser, translates each parsed
// Gemini object into an OpenAI SSE chunk via state, and writes it to w.
// It always terminates with a [DONE] frame, even on a read error (§4.I /
// §8 "every completed stream ends with exactly one data: [DONE]").
func PumpUpstream(body io.Reader, w *Writer, state *transform.StreamState, requestedModel string) error {
	parser := NewObjectParser()
	reader := bufio.NewReaderSize(body, 32*1024)
	buf := make([]byte, 32*1024)

	var readErr error
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, raw := range parser.Feed(buf[:n]) {
				emitOne(raw, w, state, requestedModel)
			}
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}

	if tail := parser.Flush(); tail != nil {
		emitOne(tail, w, state, requestedModel)
	}

	if readErr != nil {
		_ = w.WriteError(errors.Wrap(readErr, "upstream stream read failed").Error())
	}

	return w.Done()
}

func emitOne(raw []byte, w *Writer, state *transform.StreamState, requestedModel string) {
	var resp transform.GeminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		logParseWarning(raw, err)
		return
	}

	chunk := state.FromGeminiChunk(&resp, requestedModel)
	if err := w.WriteJSON(chunk); err != nil {
		// the client went away; nothing further can be written, but the
		// caller still needs to unwind, so just stop emitting.
		return
	}
}

// errKeepAliveCallDone is a sentinel errgroup return value: the upstream
// call producer uses it to cancel the heartbeat producer's context once
// it has a result, without that cancellation itself surfacing as a
// failure from g.Wait().
var errKeepAliveCallDone = errors.New("keep-alive upstream call finished")

// KeepAlive races a heartbeat ticker against a non-streaming upstream
// call future, writing empty-delta heartbeats until the future resolves,
// then emitting the translated full response as a single terminal chunk
// (§4.I "heartbeat every 5 seconds containing an empty delta", first
// terminal wins). The two producers run under errgroup.WithContext so
// the call finishing cancels the heartbeat loop's context directly,
// rather than racing both against a shared result channel by hand.
func KeepAlive(ctx context.Context, w *Writer, heartbeat time.Duration, requestedModel string, call func(context.Context) (*transform.ChatResponse, error)) error {
	g, gctx := errgroup.WithContext(ctx)
	resultCh := make(chan keepAliveResult, 1)

	g.Go(func() error {
		resp, err := call(ctx)
		resultCh <- keepAliveResult{resp: resp, err: err}
		return errKeepAliveCallDone
	})

	g.Go(func() error {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				_ = w.WriteJSON(transform.ChatStreamChunk{
					ID:      "chatcmpl-heartbeat",
					Object:  "chat.completion.chunk",
					Created: 0,
					Model:   requestedModel,
					Choices: []transform.StreamChoice{{Index: 0, Delta: transform.StreamDelta{}}},
				})
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errKeepAliveCallDone) {
		return err
	}

	if ctx.Err() != nil {
		return w.Done()
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			_ = w.WriteError(res.err.Error())
			return w.Done()
		}
		writeFinalAsStream(w, res.resp, requestedModel)
		return w.Done()
	default:
		return w.Done()
	}
}

type keepAliveResult struct {
	resp *transform.ChatResponse
	err  error
}

// writeFinalAsStream emits the non-stream response translated into a
// single terminal streaming chunk carrying the full content and
// finish_reason, so a keep-alive client sees one coherent delta instead
// of the incremental chunks a true stream would have produced.
func writeFinalAsStream(w *Writer, resp *transform.ChatResponse, requestedModel string) {
	if resp == nil || len(resp.Choices) == 0 {
		_ = w.WriteJSON(transform.ChatStreamChunk{
			ID:      "chatcmpl-empty",
			Object:  "chat.completion.chunk",
			Model:   requestedModel,
			Choices: []transform.StreamChoice{},
		})
		return
	}

	choices := make([]transform.StreamChoice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		delta := transform.StreamDelta{
			Role:      "assistant",
			Content:   c.Message.Content,
			ToolCalls: c.Message.ToolCalls,
		}
		choices = append(choices, transform.StreamChoice{
			Index:        c.Index,
			Delta:        delta,
			FinishReason: c.FinishReason,
		})
	}

	_ = w.WriteJSON(transform.ChatStreamChunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   requestedModel,
		Choices: choices,
	})
}
