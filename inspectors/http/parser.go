// Package http implements the callback-driven HTTP/1.x inspector: an
// incremental parser that emits spans (URL, header field, header value, body
// chunk) as bytes arrive, and an adapter that reassembles spans split across
// surfaced byte runs before invoking user callbacks.
package http

import (
	"github.com/pkg/errors"
)

// MessageKind distinguishes requests from responses.
type MessageKind uint8

const (
	KindRequest MessageKind = iota
	KindResponse
)

func (k MessageKind) String() string {
	if k == KindRequest {
		return "request"
	}
	return "response"
}

// SpanHandler receives one span of a field. partial is set when the span is
// cut short by the end of the current input and continues on the next
// Execute; the final piece of a field always arrives with partial unset.
// data is valid only for the duration of the call.
type SpanHandler func(data []byte, partial bool)

// Hooks are the parser's span callbacks. Nil entries are skipped; a nil hook
// costs nothing.
type Hooks struct {
	OnMessageBegin    func()
	OnURL             SpanHandler
	OnHeaderField     SpanHandler
	OnHeaderValue     SpanHandler
	OnHeadersComplete func()
	OnBody            SpanHandler
	OnMessageComplete func()
}

type parserState uint8

const (
	sStart parserState = iota
	sStartToken
	sSpaceBeforeURL
	sURL
	sReqVersion
	sRespStatus
	sRespReason
	sLineLF
	sHeaderStart
	sHeaderField
	sHeaderValueStart
	sHeaderValue
	sHeadersAlmostDone
	sBodyIdentity
	sBodyUntilClose
	sChunkSizeStart
	sChunkSize
	sChunkSizeExt
	sChunkSizeLF
	sChunkData
	sChunkDataCR
	sChunkDataLF
	sDead
)

const maxStartTokenLen = 9 // one more than the longest start token, "HTTP/x.y" (8 bytes)

var knownMethods = []string{
	"GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH",
}

// Parser is an incremental HTTP/1.x parser. It detects requests and
// responses, tracks the fields the engine needs (version, method or status,
// Content-Length, chunked framing) and reports everything else as spans. It
// holds no buffered input: spans split across inputs are reported with the
// partial flag and reassembled by the caller.
type Parser struct {
	hooks Hooks

	state parserState
	err   error

	// Start-line token accumulator (method or HTTP version).
	token    [maxStartTokenLen]byte
	tokenLen int

	// Where the state after a bare CR/LF transition goes.
	afterLF parserState

	kind       MessageKind
	major      uint8
	minor      uint8
	method     string
	statusCode int
	versionIdx int

	// Body framing.
	haveContentLength bool
	contentLength     uint64
	bodyRemaining     uint64
	chunked           bool
	chunkSize         uint64
	inTrailer         bool

	// Case-insensitive matchers for the headers the parser itself consumes.
	clIdx int // "content-length"
	teIdx int // "transfer-encoding"
	isCL  bool
	isTE  bool
	// Substring matcher for "chunked" inside the Transfer-Encoding value.
	chunkedIdx int
}

// NewParser returns a parser delivering spans to hooks.
func NewParser(hooks Hooks) *Parser {
	p := &Parser{hooks: hooks}
	p.Reset()
	return p
}

// Reset returns the parser to its initial state, keeping the hooks. Used when
// a mid-stream flow produced a parse failure that may just be missing
// context.
func (p *Parser) Reset() {
	hooks := p.hooks
	*p = Parser{hooks: hooks}
	p.state = sStart
}

// Kind, Version, Method and StatusCode describe the message currently being
// parsed. They are meaningful once the start line has been consumed, which is
// guaranteed by the time any header or body span is delivered.
func (p *Parser) Kind() MessageKind { return p.kind }
func (p *Parser) Version() (major, minor int) {
	return int(p.major), int(p.minor)
}
func (p *Parser) Method() string  { return p.method }
func (p *Parser) StatusCode() int { return p.statusCode }

func (p *Parser) fail(format string, args ...interface{}) error {
	p.state = sDead
	p.err = errors.Errorf("http: "+format, args...)
	return p.err
}

// Execute feeds the next chunk of stream bytes through the parser, invoking
// hooks on every span boundary encountered. On malformed input it returns an
// error and refuses further input until Reset. Pipelined messages are handled
// back to back within one call.
func (p *Parser) Execute(data []byte) error {
	if p.state == sDead {
		return p.err
	}

	// Start index of the span being scanned, or -1. Span states entered from
	// a previous Execute resume at index 0.
	mark := -1
	switch p.state {
	case sURL, sHeaderField, sHeaderValue:
		mark = 0
	}

	emit := func(h SpanHandler, end int, partial bool) {
		if h != nil && end > mark {
			h(data[mark:end], partial)
		} else if h != nil && partial == false && end == mark {
			// Zero-length final piece still finalises a field that earlier
			// arrived in partial spans.
			h(data[mark:end], false)
		}
		mark = -1
	}

	i := 0
	for i < len(data) {
		c := data[i]

		switch p.state {
		case sStart:
			if c == '\r' || c == '\n' {
				// Tolerate stray CRLF between pipelined messages.
				i++
				continue
			}
			p.resetMessage()
			if p.hooks.OnMessageBegin != nil {
				p.hooks.OnMessageBegin()
			}
			p.state = sStartToken
			continue

		case sStartToken:
			if c == ' ' {
				if err := p.finishStartToken(); err != nil {
					return err
				}
				i++
				continue
			}
			if p.tokenLen >= maxStartTokenLen {
				return p.fail("start token too long")
			}
			p.token[p.tokenLen] = c
			p.tokenLen++
			i++

		case sSpaceBeforeURL:
			if c == ' ' {
				return p.fail("unexpected space before request URI")
			}
			p.state = sURL
			mark = i

		case sURL:
			if c == ' ' {
				emit(p.hooks.OnURL, i, false)
				p.state = sReqVersion
				p.versionIdx = 0
				i++
				continue
			}
			if c == '\r' || c == '\n' {
				return p.fail("request line ends before HTTP version")
			}
			i++

		case sReqVersion:
			// Expect "HTTP/<major>.<minor>" then CRLF.
			const prefix = "HTTP/"
			switch {
			case p.versionIdx < len(prefix):
				if c != prefix[p.versionIdx] {
					return p.fail("malformed HTTP version")
				}
				p.versionIdx++
			case p.versionIdx == len(prefix):
				if !isDigit(c) {
					return p.fail("malformed HTTP version")
				}
				p.major = c - '0'
				p.versionIdx++
			case p.versionIdx == len(prefix)+1:
				if c != '.' {
					return p.fail("malformed HTTP version")
				}
				p.versionIdx++
			case p.versionIdx == len(prefix)+2:
				if !isDigit(c) {
					return p.fail("malformed HTTP version")
				}
				p.minor = c - '0'
				p.versionIdx++
			default:
				if c != '\r' {
					return p.fail("junk after HTTP version")
				}
				p.state = sLineLF
				p.afterLF = sHeaderStart
			}
			i++

		case sRespStatus:
			if isDigit(c) {
				if p.statusCode >= 100 {
					return p.fail("status code longer than 3 digits")
				}
				p.statusCode = p.statusCode*10 + int(c-'0')
				i++
				continue
			}
			if p.statusCode < 100 {
				return p.fail("status code shorter than 3 digits")
			}
			switch c {
			case ' ':
				p.state = sRespReason
			case '\r':
				p.state = sLineLF
				p.afterLF = sHeaderStart
			default:
				return p.fail("malformed status line")
			}
			i++

		case sRespReason:
			if c == '\r' {
				p.state = sLineLF
				p.afterLF = sHeaderStart
			}
			i++

		case sLineLF:
			if c != '\n' {
				return p.fail("expected LF")
			}
			p.state = p.afterLF
			i++

		case sHeaderStart:
			if c == '\r' {
				p.state = sHeadersAlmostDone
				i++
				continue
			}
			if c == ':' {
				return p.fail("empty header field name")
			}
			p.state = sHeaderField
			p.isCL = true
			p.isTE = true
			p.clIdx = 0
			p.teIdx = 0
			mark = i

		case sHeaderField:
			if c == ':' {
				p.matchInterestingField()
				if !p.inTrailer {
					emit(p.hooks.OnHeaderField, i, false)
				} else {
					mark = -1
				}
				p.state = sHeaderValueStart
				p.chunkedIdx = 0
				i++
				continue
			}
			if c == '\r' || c == '\n' {
				return p.fail("header line without colon")
			}
			p.stepFieldMatchers(c)
			i++

		case sHeaderValueStart:
			if c == ' ' || c == '\t' {
				i++
				continue
			}
			if c == '\r' {
				// Empty value.
				p.state = sHeaderValue
				mark = i
				continue
			}
			p.state = sHeaderValue
			mark = i

		case sHeaderValue:
			if c == '\r' {
				if err := p.consumeInterestingValue(data[mark:i]); err != nil {
					return err
				}
				if !p.inTrailer {
					emit(p.hooks.OnHeaderValue, i, false)
				} else {
					mark = -1
				}
				p.state = sLineLF
				p.afterLF = sHeaderStart
				i++
				continue
			}
			i++

		case sHeadersAlmostDone:
			if c != '\n' {
				return p.fail("expected LF at end of headers")
			}
			i++
			if p.inTrailer {
				p.finishMessage()
				continue
			}
			if p.hooks.OnHeadersComplete != nil {
				p.hooks.OnHeadersComplete()
			}
			switch {
			case p.chunked:
				p.state = sChunkSizeStart
			case p.haveContentLength && p.contentLength > 0:
				p.bodyRemaining = p.contentLength
				p.state = sBodyIdentity
			case p.haveContentLength: // Content-Length: 0
				p.finishMessage()
			case p.kind == KindResponse:
				// No framing on a response: body runs to connection close.
				p.state = sBodyUntilClose
			default:
				p.finishMessage()
			}

		case sBodyIdentity:
			avail := uint64(len(data) - i)
			take := p.bodyRemaining
			if take > avail {
				take = avail
			}
			mark = i
			i += int(take)
			p.bodyRemaining -= take
			last := p.bodyRemaining == 0
			emit(p.hooks.OnBody, i, !last)
			if last {
				p.finishMessage()
			}

		case sBodyUntilClose:
			mark = i
			i = len(data)
			emit(p.hooks.OnBody, i, true)

		case sChunkSizeStart:
			v, ok := hexValue(c)
			if !ok {
				return p.fail("malformed chunk size")
			}
			p.chunkSize = uint64(v)
			p.state = sChunkSize
			i++

		case sChunkSize:
			if v, ok := hexValue(c); ok {
				if p.chunkSize > (1<<60)/16 {
					return p.fail("chunk size overflow")
				}
				p.chunkSize = p.chunkSize*16 + uint64(v)
				i++
				continue
			}
			switch c {
			case ';':
				p.state = sChunkSizeExt
			case '\r':
				p.state = sChunkSizeLF
			default:
				return p.fail("malformed chunk size")
			}
			i++

		case sChunkSizeExt:
			if c == '\r' {
				p.state = sChunkSizeLF
			}
			i++

		case sChunkSizeLF:
			if c != '\n' {
				return p.fail("expected LF after chunk size")
			}
			if p.chunkSize == 0 {
				p.inTrailer = true
				p.state = sHeaderStart
			} else {
				p.state = sChunkData
			}
			i++

		case sChunkData:
			avail := uint64(len(data) - i)
			take := p.chunkSize
			if take > avail {
				take = avail
			}
			mark = i
			i += int(take)
			p.chunkSize -= take
			done := p.chunkSize == 0
			emit(p.hooks.OnBody, i, !done)
			if done {
				p.state = sChunkDataCR
			}

		case sChunkDataCR:
			if c != '\r' {
				return p.fail("expected CR after chunk data")
			}
			p.state = sChunkDataLF
			i++

		case sChunkDataLF:
			if c != '\n' {
				return p.fail("expected LF after chunk data")
			}
			p.state = sChunkSizeStart
			i++

		default:
			return p.fail("parser in unexpected state %d", p.state)
		}
	}

	// Input exhausted mid-span: hand out the partial piece so the adapter can
	// start buffering.
	if mark >= 0 && mark < len(data) {
		switch p.state {
		case sURL:
			emit(p.hooks.OnURL, len(data), true)
		case sHeaderField:
			if !p.inTrailer {
				emit(p.hooks.OnHeaderField, len(data), true)
			}
		case sHeaderValue:
			if err := p.consumeInterestingValue(data[mark:]); err != nil {
				return err
			}
			if !p.inTrailer {
				emit(p.hooks.OnHeaderValue, len(data), true)
			}
		}
	}

	return nil
}

// resetMessage clears per-message state for the next pipelined message.
func (p *Parser) resetMessage() {
	p.tokenLen = 0
	p.major = 0
	p.minor = 0
	p.method = ""
	p.statusCode = 0
	p.haveContentLength = false
	p.contentLength = 0
	p.bodyRemaining = 0
	p.chunked = false
	p.chunkSize = 0
	p.inTrailer = false
}

// finishStartToken classifies the first start-line token as an HTTP version
// (response) or a known method (request).
func (p *Parser) finishStartToken() error {
	tok := string(p.token[:p.tokenLen])

	if len(tok) == 8 && tok[:5] == "HTTP/" {
		if !isDigit(tok[5]) || tok[6] != '.' || !isDigit(tok[7]) {
			return p.fail("malformed HTTP version %q", tok)
		}
		p.kind = KindResponse
		p.major = tok[5] - '0'
		p.minor = tok[7] - '0'
		p.statusCode = 0
		p.state = sRespStatus
		return nil
	}

	for _, m := range knownMethods {
		if tok == m {
			p.kind = KindRequest
			p.method = m
			p.state = sSpaceBeforeURL
			return nil
		}
	}
	return p.fail("unknown method %q", tok)
}

func (p *Parser) finishMessage() {
	if p.hooks.OnMessageComplete != nil {
		p.hooks.OnMessageComplete()
	}
	p.state = sStart
}

// stepFieldMatchers advances the Content-Length / Transfer-Encoding matchers
// by one field-name byte.
func (p *Parser) stepFieldMatchers(c byte) {
	const cl = "content-length"
	const te = "transfer-encoding"
	lc := lower(c)
	if p.isCL {
		if p.clIdx < len(cl) && lc == cl[p.clIdx] {
			p.clIdx++
		} else {
			p.isCL = false
		}
	}
	if p.isTE {
		if p.teIdx < len(te) && lc == te[p.teIdx] {
			p.teIdx++
		} else {
			p.isTE = false
		}
	}
}

func (p *Parser) matchInterestingField() {
	p.isCL = p.isCL && p.clIdx == len("content-length")
	p.isTE = p.isTE && p.teIdx == len("transfer-encoding")
}

// consumeInterestingValue digests a (possibly partial) header value span for
// the headers the parser frames the body with.
func (p *Parser) consumeInterestingValue(span []byte) error {
	if p.isCL {
		for _, c := range span {
			if c == ' ' || c == '\t' {
				continue
			}
			if !isDigit(c) {
				return p.fail("malformed Content-Length")
			}
			if p.contentLength > (1<<62)/10 {
				return p.fail("Content-Length overflow")
			}
			p.contentLength = p.contentLength*10 + uint64(c-'0')
			p.haveContentLength = true
		}
	}
	if p.isTE {
		const needle = "chunked"
		for _, c := range span {
			if lower(c) == needle[p.chunkedIdx] {
				p.chunkedIdx++
				if p.chunkedIdx == len(needle) {
					p.chunked = true
					p.chunkedIdx = 0
				}
			} else if lower(c) == needle[0] {
				p.chunkedIdx = 1
			} else {
				p.chunkedIdx = 0
			}
		}
	}
	return nil
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

func hexValue(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
