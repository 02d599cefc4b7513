package wayfarer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// maxHeaderLine is the largest response header line allowed on the wire,
// CRLF included. Two status digits, one space, and the CRLF take five of
// these bytes, so a header that fits leaves at most 1022 bytes of meta.
const maxHeaderLine = 1027

// defaultMediaType is used when a successful response's meta is empty.
const defaultMediaType = "text/gemini; charset=utf-8"

// header is the parsed first line of a Gemini response.
type header struct {
	Status int
	Meta   string
}

// readHeader reads and parses the response header line: "<status> <meta>\r\n".
// It reads at most maxHeaderLine bytes directly from r, one at a time, so a
// server that never sends a newline cannot hold the connection reading
// unboundedly, and so bytes past the header are left in r for the body read.
func readHeader(r *bufio.Reader) (header, error) {
	var buf bytes.Buffer
	for i := 0; i < maxHeaderLine; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return header{}, newError(KindProtocol, fmt.Errorf("reading response header: %w", err))
		}
		buf.WriteByte(b)
		if b == '\n' {
			break
		}
	}
	line := buf.String()
	if !strings.HasSuffix(line, "\r\n") {
		return header{}, newErrorf(KindProtocol, "response header exceeds %d bytes or is not CRLF-terminated", maxHeaderLine)
	}
	line = strings.TrimSuffix(line, "\r\n")

	statusStr, meta, ok := strings.Cut(line, " ")
	if !ok {
		// A bare two-digit status with no meta is still malformed per the
		// wire format (status SP meta); treat no separator as protocol
		// error rather than guessing.
		return header{}, newErrorf(KindProtocol, "malformed response header %q", line)
	}
	if len(statusStr) != 2 || !isTwoDigits(statusStr) {
		return header{}, newErrorf(KindProtocol, "invalid status code %q", statusStr)
	}
	if len(meta) > 1024 {
		return header{}, newErrorf(KindProtocol, "meta exceeds 1024 bytes")
	}
	status, err := strconv.Atoi(statusStr)
	if err != nil {
		return header{}, newErrorf(KindProtocol, "invalid status code %q", statusStr)
	}
	return header{Status: status, Meta: meta}, nil
}

func isTwoDigits(s string) bool {
	if len(s) != 2 {
		return false
	}
	return s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9'
}

// parseContentType parses meta as a MIME content-type, defaulting to
// text/gemini; charset=utf-8 when empty.
func parseContentType(meta string) (mediatype string, params map[string]string, err error) {
	if meta == "" {
		meta = defaultMediaType
	}
	mediatype, params, err = mime.ParseMediaType(meta)
	if err != nil {
		return "", nil, newError(KindProtocol, err)
	}
	return mediatype, params, nil
}

// decodeBody decodes raw body bytes according to the declared charset, for
// text/* media types. An unrecognized charset is a protocol error.
func decodeBody(raw []byte, charset string) (string, error) {
	if charset == "" {
		charset = "utf-8"
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		return "", newErrorf(KindProtocol, "unknown charset %q", charset)
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return "", newErrorf(KindProtocol, "could not decode body using %s: %v", charset, err)
	}
	return string(decoded), nil
}

// readAll reads the remainder of the response body after the header line.
func readAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, newError(KindConnect, err)
	}
	return buf.Bytes(), nil
}
