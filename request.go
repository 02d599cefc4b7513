package wayfarer

import (
	"bufio"
)

// crlf terminates every request line and response header line on the wire.
var crlf = []byte("\r\n")

// maxRequestLen is the largest request URL the wire format allows.
const maxRequestLen = 1024

// writeRequest writes u in wire format: the full URL as UTF-8 bytes
// followed by CRLF. No headers, no body.
func writeRequest(w *bufio.Writer, u *URL) error {
	line := u.String()
	if len(line) > maxRequestLen {
		return newErrorf(KindProtocol, "request URL exceeds %d bytes", maxRequestLen)
	}
	if _, err := w.WriteString(line); err != nil {
		return newError(KindConnect, err)
	}
	if _, err := w.Write(crlf); err != nil {
		return newError(KindConnect, err)
	}
	if err := w.Flush(); err != nil {
		return newError(KindConnect, err)
	}
	return nil
}
