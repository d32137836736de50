package proxy

import (
	"bytes"
	"io"
	"mime"
	"regexp"
	"sort"
	"strings"
)

// SessionMarker precedes a backend-issued session id in streamed bodies.
const SessionMarker = "sessionId="

// sessionPattern matches the marker followed by a UUID.
var sessionPattern = regexp.MustCompile(`sessionId=([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)

// sessionMatchLen is the length of a complete marker plus UUID.
const sessionMatchLen = len(SessionMarker) + 36

// sniffer finds session ids in a byte stream regardless of how it is split.
// It keeps the last sessionMatchLen-1 bytes of input so a match straddling
// two chunks is seen whole on the next call.
type sniffer struct {
	carry []byte
	seen  map[string]struct{}
	found func(sessionID string)
}

func newSniffer(found func(string)) *sniffer {
	return &sniffer{seen: make(map[string]struct{}), found: found}
}

func (s *sniffer) write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	buf := append(s.carry, chunk...)
	for _, m := range sessionPattern.FindAllSubmatchIndex(buf, -1) {
		// Matches lying wholly inside the carry were reported last time.
		if m[1] <= len(s.carry) {
			continue
		}
		id := strings.ToLower(string(buf[m[2]:m[3]]))
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		s.found(id)
	}
	keep := sessionMatchLen - 1
	if len(buf) < keep {
		keep = len(buf)
	}
	s.carry = append(s.carry[:0:0], buf[len(buf)-keep:]...)
}

// rewriter qualifies backend route prefixes with the gateway path of the
// service, so "/messages?x" in a streamed body becomes
// "/gateway/{serviceId}/messages?x". A prefix is rewritten only when it is
// preceded by a delimiter and followed by a path terminator. Bytes that could
// be the start of a prefix are held back until the next chunk decides them.
type rewriter struct {
	prefixes    []string // longest first
	replacement map[string][]byte
	pending     []byte
	prev        byte // last byte already emitted, 0 at stream start
	started     bool
	maxLen      int
}

func newRewriter(gatewayPrefix, serviceID string, routes []string) *rewriter {
	rw := &rewriter{replacement: make(map[string][]byte)}
	base := strings.TrimRight(gatewayPrefix, "/") + "/" + serviceID
	for _, r := range routes {
		r = "/" + strings.Trim(r, "/")
		if r == "/" {
			continue
		}
		if _, dup := rw.replacement[r]; dup {
			continue
		}
		rw.prefixes = append(rw.prefixes, r)
		rw.replacement[r] = []byte(base + r)
		if len(r) > rw.maxLen {
			rw.maxLen = len(r)
		}
	}
	sort.Slice(rw.prefixes, func(i, j int) bool { return len(rw.prefixes[i]) > len(rw.prefixes[j]) })
	return rw
}

func isDelimiter(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '"', '\'', ':', '=', '(', ',':
		return true
	}
	return false
}

func isTerminator(b byte) bool {
	switch b {
	case '/', '?', '#', '"', '\'', ' ', '\t', '\r', '\n', '<':
		return true
	}
	return false
}

// write processes chunk and appends rewritten output to out. When final is
// set, held-back bytes are resolved against the end of stream.
func (rw *rewriter) write(out *bytes.Buffer, chunk []byte, final bool) {
	data := chunk
	if len(rw.pending) > 0 {
		data = append(rw.pending, chunk...)
		rw.pending = nil
	}
	if len(rw.prefixes) == 0 {
		rw.emit(out, data)
		return
	}

	i, last := 0, 0
	for i < len(data) {
		if data[i] != '/' {
			i++
			continue
		}
		var before byte
		atStart := false
		if i > 0 {
			before = data[i-1]
		} else if rw.started {
			before = rw.prev
		} else {
			atStart = true
		}
		if !atStart && !isDelimiter(before) {
			i++
			continue
		}

		matched, hold := rw.matchAt(data[i:], final)
		if hold {
			rw.emit(out, data[last:i])
			rw.pending = append([]byte(nil), data[i:]...)
			return
		}
		if matched == "" {
			i++
			continue
		}
		rw.emit(out, data[last:i])
		rw.emit(out, rw.replacement[matched])
		i += len(matched)
		last = i
	}
	rw.emit(out, data[last:])
}

// matchAt reports which prefix matches at the start of b. hold is true when
// b ends before the outcome is known.
func (rw *rewriter) matchAt(b []byte, final bool) (matched string, hold bool) {
	for _, p := range rw.prefixes {
		n := len(p)
		if len(b) < n {
			if !final && bytes.HasPrefix([]byte(p), b) {
				hold = true
			}
			continue
		}
		if string(b[:n]) != p {
			continue
		}
		if len(b) == n {
			if final {
				return p, false
			}
			return "", true
		}
		if isTerminator(b[n]) {
			return p, false
		}
	}
	return "", hold
}

func (rw *rewriter) emit(out *bytes.Buffer, b []byte) {
	if len(b) == 0 {
		return
	}
	out.Write(b)
	rw.prev = b[len(b)-1]
	rw.started = true
}

// streamBody wraps a backend response body, sniffing session ids from the
// original bytes and rewriting route prefixes in what the caller reads.
type streamBody struct {
	src    io.ReadCloser
	rw     *rewriter
	sniff  *sniffer
	buf    []byte
	out    bytes.Buffer
	done   bool
	srcErr error
}

func newStreamBody(src io.ReadCloser, rw *rewriter, sniff *sniffer) *streamBody {
	return &streamBody{src: src, rw: rw, sniff: sniff, buf: make([]byte, 32*1024)}
}

func (s *streamBody) Read(p []byte) (int, error) {
	for s.out.Len() == 0 {
		if s.done {
			if s.srcErr != nil {
				return 0, s.srcErr
			}
			return 0, io.EOF
		}
		n, err := s.src.Read(s.buf)
		if n > 0 {
			chunk := s.buf[:n]
			if s.sniff != nil {
				s.sniff.write(chunk)
			}
			if s.rw != nil {
				s.rw.write(&s.out, chunk, false)
			} else {
				s.out.Write(chunk)
			}
		}
		if err != nil {
			if s.rw != nil {
				s.rw.write(&s.out, nil, true)
			}
			s.done = true
			if err != io.EOF {
				s.srcErr = err
			}
		}
	}
	return s.out.Read(p)
}

func (s *streamBody) Close() error {
	return s.src.Close()
}

// rewritable reports whether a response with the given headers carries text
// the stream rewriter may inspect.
func rewritable(contentType, contentEncoding string) bool {
	if !identityEncoded(contentEncoding) {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/json", mt == "application/x-ndjson":
		return true
	}
	return false
}

// identityEncoded reports whether a body is readable as sent, without
// decompression.
func identityEncoded(contentEncoding string) bool {
	ce := strings.TrimSpace(strings.ToLower(contentEncoding))
	return ce == "" || ce == "identity"
}
