// Package streaming implements component I: a brace-depth parser for the
// upstream's unframed concatenated-JSON stream body, SSE chunk emission,
// and keep-alive mode.
//
// Grounded on relay/streaming/tracker.go's incremental-buffer scanning
// style in the teacher repo, rewritten from SSE-line framing (the
// teacher's upstream already speaks SSE) to brace-depth object framing,
// since this gateway's upstream stream body has no `data:` framing of
// its own (§4.I).
package streaming

import (
	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/laiskygw/geminigw/common/logger"
)

type scanState int

const (
	stateTop scanState = iota
	stateInObj
	stateInStr
	stateInStrEsc
)

// ObjectParser incrementally extracts complete top-level JSON objects
// from an unframed byte stream, tracking brace depth and string escaping
// so braces inside string literals don't confuse the depth count.
//
// buf retains only bytes not yet attributed to a completed object; pos
// is how many of those bytes have already been scanned, so a Feed call
// never re-walks bytes a previous call already classified.
type ObjectParser struct {
	buf   []byte
	pos   int
	state scanState
	depth int
	start int
}

// NewObjectParser constructs an empty parser.
func NewObjectParser() *ObjectParser {
	return &ObjectParser{state: stateTop}
}

// Feed appends chunk to the internal buffer and returns every complete
// JSON object found so far, in order. Incomplete trailing bytes remain
// buffered for the next Feed or Flush call.
func (p *ObjectParser) Feed(chunk []byte) [][]byte {
	var objects [][]byte
	p.buf = append(p.buf, chunk...)

	i := p.pos
	for i < len(p.buf) {
		b := p.buf[i]

		switch p.state {
		case stateTop:
			if b == '{' {
				p.state = stateInObj
				p.depth = 1
				p.start = i
			}
		case stateInObj:
			switch b {
			case '"':
				p.state = stateInStr
			case '{':
				p.depth++
			case '}':
				p.depth--
				if p.depth == 0 {
					obj := make([]byte, i-p.start+1)
					copy(obj, p.buf[p.start:i+1])
					objects = append(objects, obj)
					p.state = stateTop
				}
			}
		case stateInStr:
			switch b {
			case '\\':
				p.state = stateInStrEsc
			case '"':
				p.state = stateInObj
			}
		case stateInStrEsc:
			p.state = stateInStr
		}

		i++
	}

	// Compact: drop bytes that can never be needed again. At stateTop
	// nothing buffered matters (only whitespace/garbage between
	// objects); otherwise keep from the in-progress object's start.
	if p.state == stateTop {
		p.buf = p.buf[:0]
		p.pos = 0
	} else {
		p.buf = p.buf[p.start:]
		p.pos = i - p.start
		p.start = 0
	}

	return objects
}

// Flush returns whatever bytes remain buffered at end of stream, if any,
// so the caller can attempt one last parse (§4.I "on the final flush,
// attempt to parse any remaining buffered object"). The remainder may be
// a truncated, unparseable fragment; that is the caller's log-and-ignore
// case, not this parser's concern.
func (p *ObjectParser) Flush() []byte {
	if len(p.buf) == 0 {
		return nil
	}
	out := p.buf
	p.buf = nil
	p.pos = 0
	return out
}

// logParseWarning is the shared log-and-continue policy for a single
// malformed chunk (§4.I "on parse error of a single chunk, log and
// continue; do not abort the stream").
func logParseWarning(raw []byte, err error) {
	logger.Logger.Warn("failed to parse streamed upstream object; skipping",
		zap.Int("bytes", len(raw)), zap.Error(errors.Wrap(err, "parse streamed object")))
}
