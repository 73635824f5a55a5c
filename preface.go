package http2

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"time"
)

// http2Preface is the fixed 24-octet client connection preface every
// HTTP/2 connection starts with, RFC 7540 §3.5 — sent even on a cleartext
// upgrade, so a server can always tell a genuine HTTP/2 client from one
// speaking HTTP/1.1 at it.
var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// DefaultPingInterval is how often a connection sends a keepalive PING;
// the timer runs whether or not other traffic is flowing.
const DefaultPingInterval = 10 * time.Second

// WritePreface writes the client connection preface to bw. Callers still
// need to flush; this is paired with a SETTINGS frame in the same flush
// in Handshake.
func WritePreface(bw *bufio.Writer) error {
	_, err := bw.Write(http2Preface)
	return err
}

// ReadPreface reads and validates the connection preface directly off c,
// deliberately bypassing any bufio.Reader so the exact preface bytes are
// consumed and nothing beyond them (the first SETTINGS frame) is lost to
// a buffer that the caller then discards. When the preface doesn't match,
// the bytes actually read are returned too, so the caller can tell an
// HTTP/1.1 request that landed here by mistake from garbage.
func ReadPreface(c net.Conn) (bool, []byte) {
	b := make([]byte, len(http2Preface))
	if _, err := io.ReadFull(c, b); err != nil {
		return false, b
	}
	return bytes.Equal(b, http2Preface), b
}
