package http2

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

// Server is the HTTP/2 role entry point for accepting connections: it
// owns the handler and connection-wide tuning knobs, and hands each
// accepted net.Conn off to a serverConn, which is where the actual conn
// loop (readLoop/writeLoop/handleStreams) lives.
type Server struct {
	// Handler is invoked once per fully-received request, same contract
	// as fasthttp.Server.Handler.
	Handler fasthttp.RequestHandler

	// TLSConfig is used by ListenAndServeTLS;
	// ServeConn itself is transport-agnostic and accepts any net.Conn.
	TLSConfig *tls.Config

	// MaxConcurrentStreams caps how many streams a single connection may
	// have open at once. Zero uses defaultConcurrentStreams.
	MaxConcurrentStreams uint32

	// InitialWindowSize is the per-stream receive window we advertise.
	// Zero uses 1<<22, matching the teacher's serverConn default.
	InitialWindowSize int32

	// MaxRequestTime bounds how long a single stream may stay open
	// before being reset with StreamCanceled. Zero disables the timer.
	MaxRequestTime time.Duration

	// MaxIdleTime closes the connection if no request starts within
	// this long of the last one finishing. Zero disables the timer.
	MaxIdleTime time.Duration

	// PingInterval is how often a connection is probed with a keepalive
	// PING, whether or not other traffic is flowing. Zero uses
	// DefaultPingInterval.
	PingInterval time.Duration

	// Debug turns on the serverConn's verbose per-stream logging.
	Debug bool

	// Logger receives debug output when Debug is set, and always
	// receives conn-loop panics/errors. Defaults to a stdlib logger on
	// os.Stdout.
	Logger fasthttp.Logger
}

// ListenAndServe opens a TCP listener on addr and serves cleartext
// HTTP/2 (h2c) connections on it.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// ListenAndServeTLS opens a TLS listener on addr using s.TLSConfig
// (which must negotiate "h2" via ALPN) and serves HTTP/2 on it.
func (s *Server) ListenAndServeTLS(addr string) error {
	if s.TLSConfig == nil {
		return errors.New("http2: ListenAndServeTLS requires a TLSConfig")
	}
	ln, err := tls.Listen("tcp", addr, s.TLSConfig)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections off ln until it returns an error, serving
// each one on its own goroutine.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}

		go func(c net.Conn) {
			_ = s.ServeConn(c)
		}(c)
	}
}

// ConfigureServer wires h up to answer HTTP/2 over TLS ALPN: it
// registers a NextProto handler for "h2" on s so a fasthttp.Server
// keeps handling HTTP/1.1 while transparently upgrading any connection
// that negotiates "h2" during the TLS handshake.
//
// An optional Server value supplies the tuning knobs (MaxConcurrentStreams,
// InitialWindowSize, timeouts, ...); s.Handler is always used regardless
// of what Handler the passed-in Server carries.
func ConfigureServer(s *fasthttp.Server, conf ...Server) *Server {
	var srv Server
	if len(conf) > 0 {
		srv = conf[0]
	}
	srv.Handler = s.Handler

	s.NextProto("h2", srv.ServeConn)

	return &srv
}

// http1UpgradeRequiredResponse is written back to a client that opened the
// connection speaking HTTP/1.1 instead of the HTTP/2 preface: this server
// only runs over a connection already negotiated for h2 (ALPN or prior
// knowledge), so there's no cleartext upgrade dance to offer it.
var http1UpgradeRequiredResponse = []byte("HTTP/1.1 500 Internal Server Error\r\n" +
	"Content-Length: 0\r\n" +
	"Connection: close\r\n\r\n")

// looksLikeHTTP1 reports whether b opens with a request line a plain
// HTTP/1.1 client would send, distinguishing "wrong preface" (garbage,
// truncated connection) from "an HTTP/1.1 client dialed an h2-only port".
func looksLikeHTTP1(b []byte) bool {
	return bytes.HasPrefix(b, StringGET) ||
		bytes.HasPrefix(b, StringPOST) ||
		bytes.HasPrefix(b, StringHEAD)
}

// ServeConn runs the HTTP/2 protocol over an already-accepted
// connection: it validates the client preface, performs the SETTINGS
// handshake, and then blocks running the conn loop until the connection
// closes.
func (s *Server) ServeConn(c net.Conn) error {
	defer func() { _ = c.Close() }()

	ok, peeked := ReadPreface(c)
	if !ok {
		if looksLikeHTTP1(peeked) {
			_, _ = c.Write(http1UpgradeRequiredResponse)
		}
		return errors.New("http2: invalid connection preface")
	}

	logger := s.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[http2] ", log.LstdFlags)
	}

	maxWindow := s.InitialWindowSize
	if maxWindow == 0 {
		maxWindow = 1 << 22
	}

	maxStreams := s.MaxConcurrentStreams
	if maxStreams == 0 {
		maxStreams = defaultConcurrentStreams
	}

	pingInterval := s.PingInterval
	if pingInterval == 0 {
		pingInterval = DefaultPingInterval
	}

	sc := &serverConn{
		c:      c,
		h:      s.Handler,
		br:     bufio.NewReader(c),
		bw:     bufio.NewWriterSize(c, 1<<14*10),
		enc:    NewHPACK(),
		dec:    NewHPACK(),
		writer: make(chan *FrameHeader, 128),
		reader: make(chan *FrameHeader, 128),

		maxRequestTime: s.MaxRequestTime,
		maxIdleTime:    s.MaxIdleTime,
		pingInterval:   pingInterval,

		debug:  s.Debug,
		logger: logger,
	}

	sc.maxWindow = maxWindow
	sc.currentWindow = maxWindow

	sc.st.Reset()
	sc.st.SetInitialWindowSize(uint32(maxWindow))
	sc.st.SetMaxConcurrentStreams(maxStreams)
	sc.clientS.Reset()

	if err := sc.Handshake(); err != nil {
		return err
	}

	return sc.Serve()
}
