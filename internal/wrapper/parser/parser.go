// Package parser extracts JSON objects from an agent's stream-json stdout.
// The stream arrives in arbitrary chunks: objects may span chunk boundaries
// and chunks may carry several objects plus non-JSON noise between them.
package parser

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
)

// Parser incrementally scans buffered output for complete top-level JSON
// objects. Brace counting is string-aware: a brace inside a JSON string
// literal (including escaped quotes) is not structural and never changes
// the nesting depth.
type Parser struct {
	buf      []byte
	start    int // index of the current object's opening brace, -1 while searching
	pos      int // next byte to scan
	depth    int
	inString bool
	escaped  bool
	logger   *logger.Logger
}

// New creates a parser with empty state.
func New(log *logger.Logger) *Parser {
	return &Parser{start: -1, logger: log}
}

// Feed appends a chunk and returns every complete object it finishes, in
// stream order. Partial objects stay buffered for the next call. Slices
// that balance their braces but fail to decode are dropped with a warning.
func (p *Parser) Feed(chunk []byte) []map[string]interface{} {
	p.buf = append(p.buf, chunk...)

	var results []map[string]interface{}
	for p.pos < len(p.buf) {
		b := p.buf[p.pos]

		if p.start < 0 {
			// Searching for the next object start; everything else is noise.
			if b == '{' {
				p.start = p.pos
				p.depth = 1
				p.inString = false
				p.escaped = false
			}
			p.pos++
			continue
		}

		switch {
		case p.escaped:
			p.escaped = false
		case p.inString:
			if b == '\\' {
				p.escaped = true
			} else if b == '"' {
				p.inString = false
			}
		case b == '"':
			p.inString = true
		case b == '{':
			p.depth++
		case b == '}':
			p.depth--
			if p.depth == 0 {
				raw := p.buf[p.start : p.pos+1]
				var obj map[string]interface{}
				if err := json.Unmarshal(raw, &obj); err != nil {
					p.logger.Warn("dropping malformed stream object",
						zap.Int("bytes", len(raw)),
						zap.Error(err))
				} else {
					results = append(results, obj)
				}
				p.start = -1
			}
		}
		p.pos++
	}

	p.compact()
	return results
}

// Reset discards all buffered data and scan state.
func (p *Parser) Reset() {
	p.buf = nil
	p.start = -1
	p.pos = 0
	p.depth = 0
	p.inString = false
	p.escaped = false
}

// Buffered returns the number of bytes held for a pending partial object.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// compact drops consumed bytes: scanned noise when searching, or
// everything before the in-flight object's start.
func (p *Parser) compact() {
	keep := p.pos
	if p.start >= 0 {
		keep = p.start
	}
	if keep == 0 {
		return
	}
	p.buf = append(p.buf[:0], p.buf[keep:]...)
	p.pos -= keep
	if p.start >= 0 {
		p.start = 0
	}
}
