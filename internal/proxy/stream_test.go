package proxy

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns the input split at the given boundaries, one piece per
// Read call.
type chunkReader struct {
	chunks [][]byte
}

func splitAt(s string, cuts ...int) *chunkReader {
	var out [][]byte
	prev := 0
	for _, c := range cuts {
		out = append(out, []byte(s[prev:c]))
		prev = c
	}
	out = append(out, []byte(s[prev:]))
	return &chunkReader{chunks: out}
}

func (c *chunkReader) Read(p []byte) (int, error) {
	for len(c.chunks) > 0 && len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	return n, nil
}

func (c *chunkReader) Close() error { return nil }

const sid = "3f2b8c1e-7a4d-4e6f-9b0a-1c2d3e4f5a6b"

func run(t *testing.T, src io.ReadCloser) (string, []string) {
	t.Helper()
	var found []string
	body := newStreamBody(src, newRewriter("/gateway", "weather-svc", []string{"/message", "/messages"}),
		newSniffer(func(s string) { found = append(found, s) }))
	out, err := io.ReadAll(body)
	require.NoError(t, err)
	return string(out), found
}

func TestStreamRewriteIndependentOfChunking(t *testing.T) {
	in := "event: endpoint\ndata: /messages?sessionId=" + sid + "\n\n"
	want := "event: endpoint\ndata: /gateway/weather-svc/messages?sessionId=" + sid + "\n\n"

	// Whole body in one chunk.
	out, found := run(t, splitAt(in))
	assert.Equal(t, want, out)
	assert.Equal(t, []string{sid}, found)

	// Every two-way split.
	for cut := 1; cut < len(in); cut++ {
		out, found := run(t, splitAt(in, cut))
		require.Equal(t, want, out, "split at %d", cut)
		require.Equal(t, []string{sid}, found, "split at %d", cut)
	}

	// One byte at a time.
	out, found = run(t, io.NopCloser(iotest.OneByteReader(bytes.NewReader([]byte(in)))))
	assert.Equal(t, want, out)
	assert.Equal(t, []string{sid}, found)
}

func TestStreamThreeWaySplitsAroundToken(t *testing.T) {
	in := `{"endpoint":"/message?sessionId=` + sid + `"}`
	want := `{"endpoint":"/gateway/weather-svc/message?sessionId=` + sid + `"}`
	for a := 1; a < len(in)-1; a += 3 {
		for b := a + 1; b < len(in); b += 5 {
			out, found := run(t, splitAt(in, a, b))
			require.Equal(t, want, out, "splits %d,%d", a, b)
			require.Equal(t, []string{sid}, found, "splits %d,%d", a, b)
		}
	}
}

func TestRewriterBoundaries(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"start of stream", "/messages?x=1", "/gateway/weather-svc/messages?x=1"},
		{"end of stream", "url=/messages", "url=/gateway/weather-svc/messages"},
		{"trailing slash", "data: /messages/", "data: /gateway/weather-svc/messages/"},
		{"single quotes", "'/message'", "'/gateway/weather-svc/message'"},
		{"html attribute end", "(/message<", "(/gateway/weather-svc/message<"},
		{"already qualified", "data: /gateway/weather-svc/messages?x", "data: /gateway/weather-svc/messages?x"},
		{"longer word", "data: /messageboard", "data: /messageboard"},
		{"not after delimiter", "data: x/messages?x", "data: x/messages?x"},
		{"absolute url untouched", "http://host/messages?x", "http://host/messages?x"},
		{"partial at end", "data: /mess", "data: /mess"},
		{"two occurrences", "a=/message b=/messages#f", "a=/gateway/weather-svc/message b=/gateway/weather-svc/messages#f"},
		{"comma is not a terminator", "a=/message,", "a=/message,"},
		{"no prefixes in text", "hello world", "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _ := run(t, splitAt(tt.in))
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestSnifferReportsEachSessionOnce(t *testing.T) {
	var found []string
	s := newSniffer(func(id string) { found = append(found, id) })
	other := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	s.write([]byte("sessionId=" + sid + " again sessionId=" + sid))
	s.write([]byte(" sessionId=" + other[:10]))
	s.write([]byte(other[10:]))
	s.write([]byte("sessionId=not-a-uuid"))
	assert.Equal(t, []string{sid, other}, found)
}

func TestRewriterWithoutRoutesPassesThrough(t *testing.T) {
	var out bytes.Buffer
	rw := newRewriter("/gateway", "svc", nil)
	rw.write(&out, []byte("data: /messages?x"), false)
	rw.write(&out, nil, true)
	assert.Equal(t, "data: /messages?x", out.String())
}

func TestRewritable(t *testing.T) {
	assert.True(t, rewritable("text/event-stream", ""))
	assert.True(t, rewritable("application/json; charset=utf-8", "identity"))
	assert.True(t, rewritable("application/x-ndjson", ""))
	assert.True(t, rewritable("text/html", ""))
	assert.False(t, rewritable("application/octet-stream", ""))
	assert.False(t, rewritable("text/plain", "gzip"))
	assert.False(t, rewritable("", ""))
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
func (e errReader) Close() error             { return nil }

func TestStreamBodyPropagatesReadErrors(t *testing.T) {
	body := newStreamBody(errReader{io.ErrUnexpectedEOF}, newRewriter("/gateway", "s", []string{"/m"}), nil)
	_, err := io.ReadAll(body)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
