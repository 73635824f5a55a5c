package http2

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// ConnOpts defines the connection options.
type ConnOpts struct {
	// PingInterval defines the interval in which the client will ping the server.
	//
	// An interval of 0 will make the library to use DefaultPingInterval. Because ping intervals can't be disabled
	PingInterval time.Duration
	// DisablePingChecking ...
	DisablePingChecking bool
	// OnDisconnect is a callback that fires when the Conn disconnects.
	OnDisconnect func(c *Conn)
}

// Handshake performs an HTTP/2 handshake. That means, it will send
// the preface if `preface` is true, send a settings frame and a
// window update frame (for the connection's window).
func Handshake(preface bool, bw *bufio.Writer, st *Settings, maxWin int32) error {
	if preface {
		err := WritePreface(bw)
		if err != nil {
			return err
		}
	}

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	// write the settings
	st2 := &Settings{}
	st.CopyTo(st2)

	fr.SetBody(st2)

	_, err := fr.WriteTo(bw)
	if err == nil {
		// then send a window update
		fr = AcquireFrameHeader()
		wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
		wu.SetIncrement(int(maxWin))

		fr.SetBody(wu)

		_, err = fr.WriteTo(bw)
		if err == nil {
			err = bw.Flush()
		}
	}

	return err
}

// Conn represents a raw HTTP/2 connection over TLS + TCP.
type Conn struct {
	c net.Conn

	br *bufio.Reader
	bw *bufio.Writer

	enc *HPACK
	dec *HPACK

	nextID uint32

	// outWindow is the connection-scope send window: how much request
	// body we may push across every stream combined before waiting for a
	// connection-scope WINDOW_UPDATE. RFC 7540 §6.9.2 defaults it to
	// 65535 until the server grants more.
	outWindow          *flowWindow
	serverStreamWindow int32

	maxWindow     int32
	currentWindow int32

	openStreams int32

	current Settings
	serverS Settings

	// settingsAckers holds one channel per pending SendSettings call; all
	// of them are closed when the server ACKs a SETTINGS frame, letting
	// SendSettings block until the peer has actually applied it.
	settingsAckMu  sync.Mutex
	settingsAckers []chan struct{}

	reqQueued sync.Map

	in  chan *Ctx
	out chan *FrameHeader

	pingInterval time.Duration

	unacks      int
	disableAcks bool

	lastErr      error
	onDisconnect func(*Conn)
	onRTT        func(time.Duration)

	closed uint64
}

// SetOnRTT sets the callback invoked every time a PING round-trip
// completes, carrying the measured latency.
func (c *Conn) SetOnRTT(cb func(time.Duration)) {
	c.onRTT = cb
}

// NewConn returns a new HTTP/2 connection.
// To start using the connection you need to call Handshake.
func NewConn(c net.Conn, opts ConnOpts) *Conn {
	nc := &Conn{
		c:                  c,
		br:                 bufio.NewReaderSize(c, 4096),
		bw:                 bufio.NewWriterSize(c, maxFrameSize),
		enc:                NewHPACK(),
		dec:                NewHPACK(),
		nextID:             1,
		outWindow:          newFlowWindow(defaultWindowSize),
		serverStreamWindow: defaultWindowSize,
		maxWindow:          1 << 20,
		currentWindow:      1 << 20,
		in:                 make(chan *Ctx, 128),
		out:                make(chan *FrameHeader, 128),
		pingInterval:       opts.PingInterval,
		disableAcks:        opts.DisablePingChecking,
		onDisconnect:       opts.OnDisconnect,
	}

	nc.current.SetInitialWindowSize(1 << 20)
	nc.current.SetPush(false)

	return nc
}

// Dialer allows to create HTTP/2 connections by specifying an address and tls configuration.
type Dialer struct {
	// Addr is the server's address in the form: `host:port`.
	Addr string

	// TLSConfig is the tls configuration.
	//
	// If TLSConfig is nil, a default one will be defined on the Dial call.
	TLSConfig *tls.Config

	// PingInterval defines the interval in which the client will ping the server.
	//
	// An interval of 0 will make the library to use DefaultPingInterval. Because ping intervals can't be disabled.
	PingInterval time.Duration
}

func (d *Dialer) tryDial() (net.Conn, error) {
	if d.TLSConfig == nil || !func() bool {
		for _, proto := range d.TLSConfig.NextProtos {
			if proto == "h2" {
				return true
			}
		}

		return false
	}() {
		configureDialer(d)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", d.Addr)
	if err != nil {
		return nil, err
	}

	c, err := net.DialTCP("tcp", nil, tcpAddr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(c, d.TLSConfig)

	if err := tlsConn.Handshake(); err != nil {
		_ = c.Close()
		return nil, err
	}

	if tlsConn.ConnectionState().NegotiatedProtocol != "h2" {
		_ = c.Close()
		return nil, ErrServerSupport
	}

	return tlsConn, nil
}

// Dial creates an HTTP/2 connection or returns an error.
//
// An expected error is ErrServerSupport.
func (d *Dialer) Dial() (*Conn, error) {
	c, err := d.tryDial()
	if err != nil {
		return nil, err
	}

	nc := NewConn(c, ConnOpts{PingInterval: d.PingInterval})

	err = nc.Handshake()
	return nc, err
}

// SetOnDisconnect sets the callback that will fire when the HTTP/2 connection is closed.
func (c *Conn) SetOnDisconnect(cb func(*Conn)) {
	c.onDisconnect = cb
}

// LastErr returns the last registered error in case the connection was closed by the server.
func (c *Conn) LastErr() error {
	return c.lastErr
}

// Handshake will perform the necessary handshake to establish the connection
// with the server. If an error is returned you can assume the TCP connection has been closed.
func (c *Conn) Handshake() error {
	var err error

	if err = Handshake(true, c.bw, &c.current, c.maxWindow-65535); err != nil {
		_ = c.c.Close()
		return err
	}

	var fr *FrameHeader

	if fr, err = ReadFrameFrom(c.br); err == nil && fr.Type() != FrameSettings {
		_ = c.c.Close()
		return fmt.Errorf("unexpected frame, expected settings, got %s", fr.Type())
	} else if err == nil {
		st := fr.Body().(*Settings)
		if !st.IsAck() {
			st.CopyTo(&c.serverS)

			c.serverStreamWindow += int32(c.serverS.InitialWindowSize())
			if st.HeaderTableSize() <= defaultHeaderTableSize {
				c.enc.SetMaxEncoderTableSize(st.HeaderTableSize())
			}

			// reply back
			fr = AcquireFrameHeader()

			stRes := AcquireFrame(FrameSettings).(*Settings)
			stRes.SetAck(true)

			fr.SetBody(stRes)

			if _, err = fr.WriteTo(c.bw); err == nil {
				err = c.bw.Flush()
			}

			ReleaseFrameHeader(fr)
		}
	}

	if err != nil {
		_ = c.Close()
	} else {
		ReleaseFrameHeader(fr)

		go c.writeLoop()
		go c.readLoop()
	}

	return err
}

// CanOpenStream returns whether the client will be able to open a new stream or not.
func (c *Conn) CanOpenStream() bool {
	return atomic.LoadInt32(&c.openStreams) < int32(c.serverS.MaxConcurrentStreams())
}

// Closed indicates whether the connection is closed or not.
func (c *Conn) Closed() bool {
	return atomic.LoadUint64(&c.closed) == 1
}

// Close closes the connection gracefully, sending a GoAway message
// and then closing the underlying TCP connection.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapUint64(&c.closed, 0, 1) {
		return io.EOF
	}

	close(c.in)

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetStream(0)
	ga.SetCode(NoError)

	fr.SetBody(ga)

	_, err := fr.WriteTo(c.bw)
	if err == nil {
		err = c.bw.Flush()
	}

	_ = c.c.Close()

	if c.onDisconnect != nil {
		c.onDisconnect(c)
	}

	return err
}

// Write queues the request to be sent to the server.
//
// Check if `c` has been previously closed before accessing this function.
func (c *Conn) Write(r *Ctx) {
	c.in <- r
}

type WriteError struct {
	err error
}

func (we WriteError) Error() string {
	return fmt.Sprintf("writing error: %s", we.err)
}

func (we WriteError) Unwrap() error {
	return we.err
}

func (we WriteError) Is(target error) bool {
	return errors.Is(we.err, target)
}

func (we WriteError) As(target interface{}) bool {
	return errors.As(we.err, target)
}

func (c *Conn) writeLoop() {
	defer func() { _ = c.Close() }()

	if c.pingInterval <= 0 {
		c.pingInterval = DefaultPingInterval
	}

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	var lastErr error

loop:
	for {
		select {
		case r, ok := <-c.in: // sending requests
			if !ok {
				break loop
			}

			_, err := c.writeRequest(r)
			if err != nil {
				r.Err <- err

				if errors.Is(err, ErrNotAvailableStreams) {
					continue
				}

				lastErr = WriteError{err}

				break loop
			}
		case fr := <-c.out: // generic output
			if _, err := fr.WriteTo(c.bw); err == nil {
				if err = c.bw.Flush(); err != nil {
					lastErr = WriteError{err}
					break loop
				}
			} else {
				lastErr = WriteError{err}
				break loop
			}

			ReleaseFrameHeader(fr)
		case <-ticker.C: // ping
			if err := c.writePing(); err != nil {
				lastErr = WriteError{err}
				break loop
			}
		}

		if !c.disableAcks && c.unacks >= 3 {
			lastErr = ErrTimeout
			break loop
		}
	}

	if lastErr == nil {
		lastErr = io.EOF
	}

	// send eofs to pending requests
	c.reqQueued.Range(func(_, v interface{}) bool {
		r := v.(*Ctx)
		r.Err <- lastErr
		return true
	})
}

func (c *Conn) finish(r *Ctx, stream uint32, err error) {
	atomic.AddInt32(&c.openStreams, -1)

	r.Err <- err

	c.reqQueued.Delete(stream)

	close(r.Err)
}

func (c *Conn) readLoop() {
	defer func() { _ = c.Close() }()

	for {
		fr, err := c.readNext()
		if err != nil {
			c.lastErr = err
			break
		}

		// TODO: panic otherwise?
		if ri, ok := c.reqQueued.Load(fr.Stream()); ok {
			r := ri.(*Ctx)

			err := c.readStream(fr, r)
			if err == nil {
				if fr.Flags().Has(FlagEndStream) {
					c.finish(r, fr.Stream(), nil)
				}
			} else {
				c.finish(r, fr.Stream(), err)

				fmt.Fprintf(os.Stderr, "%s. payload=%v\n", err, fr.payload)

				var h2err Error
				if errors.As(err, &h2err) && h2err.Code() == FlowControlError {
					break
				}
			}
		}

		ReleaseFrameHeader(fr)
	}
}

func (c *Conn) writeRequest(r *Ctx) (uint32, error) {
	if !c.CanOpenStream() {
		return 0, ErrNotAvailableStreams
	}

	req := r.Request
	hasBody := len(req.Body()) != 0

	enc := c.enc

	id := c.nextID
	c.nextID += 2

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	fr.SetStream(id)

	h := AcquireFrame(FrameHeaders).(*Headers)
	fr.SetBody(h)

	hf := AcquireHeaderField()

	hf.SetBytes(StringAuthority, req.URI().Host())
	h.AppendHeaderField(enc, hf, true)

	hf.SetBytes(StringMethod, req.Header.Method())
	h.AppendHeaderField(enc, hf, true)

	hf.SetBytes(StringPath, req.URI().RequestURI())
	h.AppendHeaderField(enc, hf, true)

	hf.SetBytes(StringScheme, req.URI().Scheme())
	h.AppendHeaderField(enc, hf, true)

	hf.SetBytes(StringUserAgent, req.Header.UserAgent())
	h.AppendHeaderField(enc, hf, true)

	req.Header.VisitAll(func(k, v []byte) {
		if bytes.EqualFold(k, StringUserAgent) {
			return
		}

		hf.SetBytes(ToLower(k), v)
		h.AppendHeaderField(enc, hf, false)
	})

	h.SetPadding(false)
	h.SetEndStream(!hasBody)
	h.SetEndHeaders(true)

	r.streamID = id
	r.outWindow = newFlowWindow(c.serverStreamWindow)

	// register before the body goes out so an inbound per-stream
	// WINDOW_UPDATE arriving mid-send (the server granting more credit)
	// can still be routed to r.outWindow by readStream.
	c.reqQueued.Store(id, r)

	_, err := fr.WriteTo(c.bw)
	if err == nil && hasBody {
		// release headers bc it's going to get replaced by the data frame
		ReleaseFrame(h)

		err = c.writeRequestBody(fr, r, req.Body())
	}

	if err == nil {
		err = c.bw.Flush()
		if err == nil {
			atomic.AddInt32(&c.openStreams, 1)
		}
	}

	if err != nil {
		c.lastErr = err
		c.reqQueued.Delete(id)
	}

	ReleaseHeaderField(hf)

	return id, err
}

// writeRequestBody paces a request body out as DATA frames, gated by both
// the connection-scope and the stream-scope send window: it blocks until
// the server's WINDOW_UPDATE frames (consumed by readLoop, an independent
// goroutine) grant enough credit. Connection-level credit reserved but
// unusable by this stream is handed back so other in-flight requests
// aren't starved of it.
func (c *Conn) writeRequestBody(fh *FrameHeader, r *Ctx, body []byte) (err error) {
	const maxFrame = 1 << 14

	data := AcquireFrame(FrameData).(*Data)
	fh.SetBody(data)

	n := len(body)
	sent := 0

	for err == nil && sent < n {
		want := n - sent
		if want > maxFrame {
			want = maxFrame
		}

		connCredit := c.outWindow.take(int32(want))
		if connCredit == 0 {
			return errors.New("http2: connection send window closed")
		}

		streamCredit := r.outWindow.take(connCredit)
		if streamCredit < connCredit {
			c.outWindow.add(connCredit - streamCredit)
		}
		if streamCredit == 0 {
			return errors.New("http2: stream send window closed")
		}

		chunk := int(streamCredit)

		data.SetEndStream(sent+chunk >= n)
		data.SetPadding(false)
		data.SetData(body[sent : sent+chunk])

		_, err = fh.WriteTo(c.bw)

		sent += chunk
	}

	return err
}

func (c *Conn) readNext() (fr *FrameHeader, err error) {
	for err == nil {
		fr, err = ReadFrameFrom(c.br)
		if err != nil {
			if errors.Is(err, ErrUnknownFrameType) {
				// readFrom has already discarded the payload; the frame
				// is ignored.
				err = nil
				continue
			}
			break
		}

		if fr.Stream() != 0 {
			break
		}

		switch fr.Type() {
		case FrameSettings:
			st := fr.Body().(*Settings)
			if st.IsAck() {
				c.notifySettingsAcked()
			} else {
				c.handleSettings(st)
			}
		case FrameWindowUpdate:
			win := int32(fr.Body().(*WindowUpdate).Increment())
			if win == 0 {
				err = NewError(ProtocolError, "window increment of 0")
				break
			}

			if !c.outWindow.addChecked(win, int32(maxWindowSize)) {
				err = NewError(FlowControlError, "window is above limits")
			}
		case FramePing:
			ping := fr.Body().(*Ping)
			if !ping.IsAck() {
				c.handlePing(ping)
			} else {
				c.unacks--
				if c.onRTT != nil {
					c.onRTT(ping.RTT())
				}
			}
		case FrameGoAway:
			err = fr.Body().(*GoAway)
			_ = c.Close()
		}

		ReleaseFrameHeader(fr)
	}

	return
}

var ErrTimeout = errors.New("server is not replying to pings")

func (c *Conn) writePing() error {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()

	fr.SetBody(ping)

	_, err := fr.WriteTo(c.bw)
	if err == nil {
		err = c.bw.Flush()
		if err == nil {
			c.unacks++
		}
	}

	return err
}

func (c *Conn) handleSettings(st *Settings) {
	prevInitial := c.serverStreamWindow

	st.CopyTo(&c.serverS)

	c.serverStreamWindow = int32(c.serverS.InitialWindowSize())
	c.enc.SetMaxEncoderTableSize(st.HeaderTableSize())

	// RFC 7540 §6.9.2: apply the delta to every open stream's send
	// window, not just the value new streams will start with.
	if delta := c.serverStreamWindow - prevInitial; delta != 0 {
		c.reqQueued.Range(func(_, v interface{}) bool {
			v.(*Ctx).outWindow.add(delta)
			return true
		})
	}

	// reply back
	fr := AcquireFrameHeader()

	stRes := AcquireFrame(FrameSettings).(*Settings)
	stRes.SetAck(true)

	fr.SetBody(stRes)

	c.out <- fr
}

// SendSettings queues a SETTINGS frame and blocks until the server ACKs it.
func (c *Conn) SendSettings(st *Settings) {
	done := make(chan struct{})

	c.settingsAckMu.Lock()
	c.settingsAckers = append(c.settingsAckers, done)
	c.settingsAckMu.Unlock()

	fr := AcquireFrameHeader()

	stFrame := AcquireFrame(FrameSettings).(*Settings)
	st.CopyTo(stFrame)

	fr.SetBody(stFrame)

	c.out <- fr

	<-done
}

// notifySettingsAcked wakes every SendSettings call waiting on the server
// to ACK a SETTINGS frame.
func (c *Conn) notifySettingsAcked() {
	c.settingsAckMu.Lock()
	ackers := c.settingsAckers
	c.settingsAckers = nil
	c.settingsAckMu.Unlock()

	for _, ch := range ackers {
		close(ch)
	}
}

// DumpState returns a snapshot of every in-flight request's stream id and
// send window, plus the connection-scope send window, for tests that need
// to assert on flow-control state.
func (c *Conn) DumpState() ConnSnapshot {
	snap := ConnSnapshot{ConnOutWindow: c.outWindow.get()}

	c.reqQueued.Range(func(k, v interface{}) bool {
		r := v.(*Ctx)
		snap.Streams = append(snap.Streams, StreamSnapshot{
			ID:        k.(uint32),
			OutWindow: r.outWindow.get(),
		})
		return true
	})

	return snap
}

func (c *Conn) handlePing(ping *Ping) {
	// reply back
	fr := AcquireFrameHeader()

	ping.SetAck(true)

	fr.SetBody(ping)

	c.out <- fr
}

func (c *Conn) readStream(fr *FrameHeader, r *Ctx) (err error) {
	res := r.Response

	switch fr.Type() {
	case FrameHeaders, FrameContinuation:
		if !r.hdr.inProgress() {
			r.hdr.begin(fr.Stream(), fr.Flags().Has(FlagEndStream))
		}
		r.hdr.append(fr.Body().(FrameWithHeaders).Headers())

		if fr.Flags().Has(FlagEndHeaders) {
			err = c.readHeader(r.hdr.take(), res)
		}
	case FrameWindowUpdate:
		// a per-stream grant of more send credit: the server telling us
		// we may push more of this request's body.
		win := int32(fr.Body().(*WindowUpdate).Increment())
		if win == 0 {
			return NewError(ProtocolError, "window increment of 0")
		}

		if !r.outWindow.addChecked(win, int32(maxWindowSize)) {
			return NewError(FlowControlError, "window is above limits")
		}
	case FrameData:
		c.currentWindow -= int32(fr.Len())
		currentWin := c.currentWindow

		data := fr.Body().(*Data)
		if data.Len() != 0 {
			res.AppendBody(data.Data())

			// let's send the window update
			c.updateWindow(fr.Stream(), fr.Len())
		}

		if currentWin < c.maxWindow/2 {
			nValue := c.maxWindow - currentWin

			c.currentWindow = c.maxWindow

			c.updateWindow(0, int(nValue))
		}
	}

	return
}

func (c *Conn) updateWindow(streamID uint32, size int) {
	fr := AcquireFrameHeader()

	fr.SetStream(streamID)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(size)

	fr.SetBody(wu)

	c.out <- fr
}

func (c *Conn) readHeader(block []byte, res *fasthttp.Response) error {
	fields, err := c.dec.DecodeFull(block)
	if err != nil {
		return err
	}

	for _, hf := range fields {
		if hf.IsPseudo() {
			if hf.KeyBytes()[1] == 's' { // status
				n, err := strconv.ParseInt(hf.Value(), 10, 64)
				if err == nil {
					res.SetStatusCode(int(n))
				}
				ReleaseHeaderField(hf)
				continue
			}
		}

		if bytes.Equal(hf.KeyBytes(), StringContentLength) {
			n, _ := strconv.Atoi(hf.Value())
			res.Header.SetContentLength(n)
		} else {
			res.Header.AddBytesKV(hf.KeyBytes(), hf.ValueBytes())
		}
		ReleaseHeaderField(hf)
	}

	return nil
}
