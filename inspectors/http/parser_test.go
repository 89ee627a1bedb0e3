package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fieldRecorder reassembles spans the way the inspector adapter does, so the
// parser tests can assert on whole fields regardless of where the input was
// split.
type fieldRecorder struct {
	buf      []byte
	complete []string
}

func (r *fieldRecorder) handler() SpanHandler {
	return func(data []byte, partial bool) {
		r.buf = append(r.buf, data...)
		if !partial {
			r.complete = append(r.complete, string(r.buf))
			r.buf = nil
		}
	}
}

type recordedParse struct {
	urls     []string
	fields   []string
	values   []string
	bodies   []string
	messages int
}

// parseSegments runs the input through a fresh parser in the given segments.
func parseSegments(t *testing.T, segments ...string) (*Parser, *recordedParse, error) {
	t.Helper()
	rec := &recordedParse{}
	var url, field, value, body fieldRecorder
	p := NewParser(Hooks{
		OnURL:         url.handler(),
		OnHeaderField: field.handler(),
		OnHeaderValue: value.handler(),
		OnBody:        body.handler(),
		OnMessageComplete: func() {
			rec.messages++
		},
	})

	var err error
	for _, s := range segments {
		if err = p.Execute([]byte(s)); err != nil {
			break
		}
	}
	rec.urls = url.complete
	rec.fields = field.complete
	rec.values = value.complete
	rec.bodies = body.complete
	return p, rec, err
}

func TestParseSimpleRequest(t *testing.T) {
	p, rec, err := parseSegments(t, "GET /index HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, []string{"/index"}, rec.urls)
	assert.Equal(t, []string{"Host"}, rec.fields)
	assert.Equal(t, []string{"x"}, rec.values)
	assert.Equal(t, 1, rec.messages)
	assert.Equal(t, KindRequest, p.Kind())
	assert.Equal(t, "GET", p.Method())
	major, minor := p.Version()
	assert.Equal(t, 1, major)
	assert.Equal(t, 1, minor)
}

// The same request split at every possible point must produce identical
// fields, with every field reported exactly once.
func TestParseRequestAllSplits(t *testing.T) {
	input := "POST /submit?q=1 HTTP/1.0\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"

	for i := 1; i < len(input); i++ {
		_, rec, err := parseSegments(t, input[:i], input[i:])
		require.NoError(t, err, "split at %d", i)

		assert.Equal(t, []string{"/submit?q=1"}, rec.urls, "split at %d", i)
		assert.Equal(t, []string{"Host", "Content-Length"}, rec.fields, "split at %d", i)
		assert.Equal(t, []string{"example.com", "5"}, rec.values, "split at %d", i)
		assert.Equal(t, "hello", allBody(rec), "split at %d", i)
		assert.Equal(t, 1, rec.messages, "split at %d", i)
	}
}

func allBody(rec *recordedParse) string {
	var out string
	for _, b := range rec.bodies {
		out += b
	}
	return out
}

func TestParseResponse(t *testing.T) {
	p, rec, err := parseSegments(t,
		"HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\nContent-Length: 4\r\n\r\ngone")
	require.NoError(t, err)

	assert.Equal(t, KindResponse, p.Kind())
	assert.Equal(t, 404, p.StatusCode())
	assert.Equal(t, []string{"Content-Type", "Content-Length"}, rec.fields)
	assert.Equal(t, "gone", allBody(rec))
	assert.Equal(t, 1, rec.messages)
}

func TestParseChunkedResponse(t *testing.T) {
	_, rec, err := parseSegments(t,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, "hello world", allBody(rec))
	assert.Equal(t, 1, rec.messages)
}

func TestParseChunkedAcrossSegments(t *testing.T) {
	full := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"b\r\nhello world\r\n0\r\n\r\n"
	for i := 1; i < len(full); i++ {
		_, rec, err := parseSegments(t, full[:i], full[i:])
		require.NoError(t, err, "split at %d", i)
		assert.Equal(t, "hello world", allBody(rec), "split at %d", i)
		assert.Equal(t, 1, rec.messages, "split at %d", i)
	}
}

func TestParsePipelinedRequests(t *testing.T) {
	_, rec, err := parseSegments(t,
		"GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: y\r\n\r\n")
	require.NoError(t, err)

	assert.Equal(t, []string{"/a", "/b"}, rec.urls)
	assert.Equal(t, []string{"x", "y"}, rec.values)
	assert.Equal(t, 2, rec.messages)
}

func TestResponseBodyUntilClose(t *testing.T) {
	_, rec, err := parseSegments(t, "HTTP/1.0 200 OK\r\n\r\nstream", "ing")
	require.NoError(t, err)

	// No framing headers: the body runs to connection close, so it is never
	// finalised by the parser.
	assert.Empty(t, rec.bodies)
	assert.Zero(t, rec.messages)
}

func TestParseErrors(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{"unknown method", "FETCH / HTTP/1.1\r\n"},
		{"two spaces after method", "GET  / HTTP/1.1\r\n"},
		{"bad version", "GET / HXTP/1.1\r\n"},
		{"header without colon", "GET / HTTP/1.1\r\nbroken\r\n\r\n"},
		{"short status code", "HTTP/1.1 20 OK\r\n"},
		{"bad content length", "GET / HTTP/1.1\r\nContent-Length: abc\r\n\r\n"},
		{"mid-stream garbage", "dex HTTP/1.1\r\nHost: x\r\n\r\n"},
	}

	for _, c := range testCases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := parseSegments(t, c.input)
			assert.Error(t, err)
		})
	}
}

func TestResetAfterError(t *testing.T) {
	p, _, err := parseSegments(t, "FETCH / HTTP/1.1\r\n")
	require.Error(t, err)

	// A dead parser refuses input until reset.
	require.Error(t, p.Execute([]byte("GET / HTTP/1.1\r\n\r\n")))
	p.Reset()
	assert.NoError(t, p.Execute([]byte("GET / HTTP/1.1\r\n\r\n")))
}

func TestBodyLastFlag(t *testing.T) {
	var lasts []bool
	p := NewParser(Hooks{
		OnBody: func(data []byte, partial bool) {
			lasts = append(lasts, !partial)
		},
	})

	require.NoError(t, p.Execute([]byte("HTTP/1.1 200 OK\r\nContent-Length: 8\r\n\r\nfour")))
	require.NoError(t, p.Execute([]byte("more")))

	// The span cut short by the end of input is not last; the one completing
	// the declared length is.
	assert.Equal(t, []bool{false, true}, lasts)
}
