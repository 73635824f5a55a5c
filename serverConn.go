package http2

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

type connState int32

const (
	connStateOpen connState = iota
	connStateClosed
)

type serverConn struct {
	c net.Conn
	h fasthttp.RequestHandler

	br *bufio.Reader
	bw *bufio.Writer

	enc *HPACK
	dec *HPACK

	// last valid ID used as a reference for new IDs
	lastID uint32

	// outWindow is the connection-scope out-window: how much more DATA we
	// may send the client across every stream combined. It's spent by
	// per-response body-writer goroutines and replenished by readLoop on
	// a connection-scope WINDOW_UPDATE, so it has to be safe to block on
	// from outside the conn loop.
	outWindow *flowWindow

	// our values
	maxWindow     int32
	currentWindow int32

	writer chan *FrameHeader
	reader chan *FrameHeader

	// windowDelta carries SETTINGS_INITIAL_WINDOW_SIZE deltas from
	// readLoop (which applies the SETTINGS itself) into handleStreams,
	// the sole owner of the streams table that every existing stream's
	// out-window must be adjusted by (RFC 7540 §6.9.2).
	windowDelta chan int32

	// streamDone reports the id of a stream whose response body-writer
	// goroutine has finished, so handleStreams can finally release the
	// Stream back to the pool without racing the goroutine that was
	// still using it.
	streamDone chan uint32

	// dumpState answers a ConnSnapshot request from outside the conn
	// loop: the caller sends a reply channel in, handleStreams (the sole
	// owner of the streams table) answers it from inside its select.
	dumpState chan chan ConnSnapshot

	// settingsAckers holds one channel per pending SendSettings call; all
	// of them are closed when the client ACKs a SETTINGS frame, letting
	// SendSettings block until the peer has actually applied it.
	settingsAckMu  sync.Mutex
	settingsAckers []chan struct{}

	state connState
	// closeRef stores the last stream that was valid before sending a GOAWAY.
	// Thus, the number stored in closeRef is used to complete all the requests that were sent before
	// to gracefully close the connection with a GOAWAY.
	closeRef uint32

	// maxRequestTime is the max time of a request over one single stream
	maxRequestTime time.Duration
	pingInterval   time.Duration
	// maxIdleTime is the max time a client can be connected without sending any REQUEST.
	// As highlighted, PING/PONG frames are completely excluded.
	//
	// Therefore, a client that didn't send a request for more than `maxIdleTime` will see it's connection closed.
	maxIdleTime time.Duration

	st      Settings
	clientS Settings

	// pingTimer
	pingTimer       *time.Timer
	maxRequestTimer *time.Timer
	maxIdleTimer    *time.Timer

	closer chan struct{}

	debug  bool
	logger fasthttp.Logger
}

func (sc *serverConn) closeIdleConn() {
	sc.writeGoAway(0, NoError, "connection has been idle for a long time")
	if sc.debug {
		sc.logger.Printf("Connection is idle. Closing\n")
	}
	close(sc.closer)
}

func (sc *serverConn) Handshake() error {
	return Handshake(false, sc.bw, &sc.st, sc.maxWindow)
}

func (sc *serverConn) Serve() error {
	sc.closer = make(chan struct{}, 1)
	sc.maxRequestTimer = time.NewTimer(0)
	sc.outWindow = newFlowWindow(int32(sc.clientS.InitialWindowSize()))
	sc.windowDelta = make(chan int32, 8)
	sc.streamDone = make(chan uint32, 32)
	sc.dumpState = make(chan chan ConnSnapshot)

	if sc.maxIdleTime > 0 {
		sc.maxIdleTimer = time.AfterFunc(sc.maxIdleTime, sc.closeIdleConn)
	}

	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("Serve panicked: %s:\n%s\n", err, debug.Stack())
		}
	}()

	go func() {
		// defer closing the connection in the writeLoop in case the writeLoop panics
		defer func() {
			_ = sc.c.Close()
		}()

		sc.writeLoop()
	}()

	go func() {
		sc.handleStreams()
		// the pingTimer fired while we were closing the connection.
		if sc.pingTimer != nil {
			sc.pingTimer.Stop()
		}
		// close the writer here to ensure that no pending requests
		// are writing to a closed channel
		close(sc.writer)
	}()

	defer func() {
		// close the reader here so we can stop handling stream updates
		close(sc.reader)
	}()

	var err error

	// unset any deadline
	if err = sc.c.SetWriteDeadline(time.Time{}); err == nil {
		err = sc.c.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return err
	}

	err = sc.readLoop()
	if errors.Is(err, io.EOF) {
		err = nil
	}

	sc.close()

	return err
}

func (sc *serverConn) close() {
	if sc.pingTimer != nil {
		sc.pingTimer.Stop()
	}

	if sc.maxIdleTimer != nil {
		sc.maxIdleTimer.Stop()
	}

	sc.maxRequestTimer.Stop()
}

func (sc *serverConn) handlePing(ping *Ping) {
	fr := AcquireFrameHeader()
	ping.SetAck(true)
	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) writePing() {
	fr := AcquireFrameHeader()

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()

	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) checkFrameWithStream(fr *FrameHeader) error {
	if fr.Stream()&1 == 0 {
		return NewGoAwayError(ProtocolError, "invalid stream id")
	}

	switch fr.Type() {
	case FramePing:
		return NewGoAwayError(ProtocolError, "ping is carrying a stream id")
	case FramePushPromise:
		return NewGoAwayError(ProtocolError, "clients can't send push_promise frames")
	}

	return nil
}

func (sc *serverConn) readLoop() (err error) {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("readLoop panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	var fr *FrameHeader

	for err == nil {
		fr, err = ReadFrameFromWithSize(sc.br, sc.clientS.MaxFrameSize())
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
			err := sc.checkFrameWithStream(fr)
			if err != nil {
				sc.writeError(nil, err)
			} else {
				sc.reader <- fr
			}

			continue
		}

		// handle 'anonymous' frames (frames without stream_id)
		switch fr.Type() {
		case FrameSettings:
			st := fr.Body().(*Settings)
			if st.IsAck() {
				sc.notifySettingsAcked()
			} else {
				sc.handleSettings(st)
			}
		case FrameWindowUpdate:
			win := int32(fr.Body().(*WindowUpdate).Increment())
			if win == 0 {
				sc.writeGoAway(0, ProtocolError, "window increment of 0")
				continue
			}

			if !sc.outWindow.addChecked(win, int32(maxWindowSize)) {
				sc.writeGoAway(0, FlowControlError, "window is above limits")
			}
		case FramePing:
			ping := fr.Body().(*Ping)
			if !ping.IsAck() {
				sc.handlePing(ping)
			}
		case FrameGoAway:
			ga := fr.Body().(*GoAway)
			if ga.Code() == NoError {
				err = io.EOF
			} else {
				err = fmt.Errorf("goaway: %s: %s", ga.Code(), ga.Data())
			}
		default:
			sc.writeGoAway(0, ProtocolError, "invalid frame")
		}

		ReleaseFrameHeader(fr)
	}

	return
}

// handleStreams handles everything related to the streams
// and the HPACK table is accessed synchronously.
func (sc *serverConn) handleStreams() {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("handleStreams panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	var strms Streams
	var reqTimerArmed bool
	var openStreams int

	closedStrms := make(map[uint32]struct{})

	closeStream := func(strm *Stream) {
		if strm.origType == FrameHeaders {
			openStreams--
		}

		strmID := strm.ID()

		closedStrms[strm.ID()] = struct{}{}
		strms.Del(strm.ID())

		ctxPool.Put(strm.ctx)
		Release(strm)

		if sc.debug {
			sc.logger.Printf("Stream destroyed %d. Open streams: %d\n", strmID, openStreams)
		}
	}

	// finishStream closes strm unless its response body is still being
	// paced out by an async writer goroutine (see handleEndRequest): in
	// that case releasing strm here would race the goroutine still
	// reading it, so we only wake it (AbortOutWindow) and let the
	// sc.streamDone signal do the actual release once it exits.
	finishStream := func(strm *Stream) {
		if strm.asyncWriter {
			strm.AbortOutWindow()
			return
		}
		closeStream(strm)
	}

loop:
	for {
		select {
		case <-sc.closer:
			break loop
		case delta := <-sc.windowDelta:
			// SETTINGS_INITIAL_WINDOW_SIZE changed: RFC 7540 §6.9.2 applies
			// the delta to every stream's out-window, not just new ones
			// (sc.outWindow, the connection-scope window, is untouched by
			// this setting).
			for _, strm := range strms {
				strm.IncrOutWindow(delta)
			}
		case id := <-sc.streamDone:
			if strm := strms.Search(id); strm != nil {
				strm.SetState(StreamStateClosed)
				closeStream(strm)
			}
		case req := <-sc.dumpState:
			req <- sc.snapshot(strms)
		case <-sc.maxRequestTimer.C:
			reqTimerArmed = false

			deleteUntil := 0
			for _, strm := range strms {
				// the request is due if the startedAt time + maxRequestTime is in the past
				isDue := time.Now().After(
					strm.startedAt.Add(sc.maxRequestTime))
				if !isDue {
					break
				}

				deleteUntil++
			}

			for deleteUntil > 0 {
				strm := strms[0]

				if sc.debug {
					sc.logger.Printf("Stream timed out: %d\n", strm.ID())
				}
				sc.writeReset(strm.ID(), StreamCanceled)

				// set the state to closed in case it comes back to life later
				strm.SetState(StreamStateClosed)
				finishStream(strm)

				deleteUntil--
			}

			if len(strms) != 0 && sc.maxRequestTime > 0 {
				// the first in the stream list might have started with a PushPromise
				strm := strms.GetFirstOf(FrameHeaders)
				if strm != nil {
					reqTimerArmed = true
					// try to arm the timer
					when := strm.startedAt.Add(sc.maxRequestTime).Sub(time.Now())
					// if the time is negative or zero it triggers imm
					sc.maxRequestTimer.Reset(when)

					if sc.debug {
						sc.logger.Printf("Next request will timeout in %f seconds\n", when.Seconds())
					}
				}
			}
		case fr, ok := <-sc.reader:
			if !ok {
				break loop
			}

			isClosing := atomic.LoadInt32((*int32)(&sc.state)) == int32(connStateClosed)

			var strm *Stream
			if fr.Stream() <= sc.lastID {
				strm = strms.Search(fr.Stream())
			}

			if strm == nil {
				// if the stream doesn't exist, create it

				if fr.Type() == FrameResetStream {
					// only send go away on idle stream not on an already-closed stream
					if _, ok := closedStrms[fr.Stream()]; !ok {
						sc.writeGoAway(fr.Stream(), ProtocolError, "RST_STREAM on idle stream")
					}

					continue
				}

				if _, ok := closedStrms[fr.Stream()]; ok {
					if fr.Type() != FramePriority {
						sc.writeGoAway(fr.Stream(), StreamClosedError, "frame on closed stream")
					}

					continue
				}

				// if the client has more open streams than the maximum allowed OR
				//   the connection is closing, then refuse the stream
				if openStreams >= int(sc.st.MaxConcurrentStreams()) || isClosing {
					if sc.debug {
						if isClosing {
							sc.logger.Printf("Closing the connection. Rejecting stream %d\n", fr.Stream())
						} else {
							sc.logger.Printf("Max open streams reached: %d >= %d\n",
								openStreams, sc.st.MaxConcurrentStreams())
						}
					}

					sc.writeReset(fr.Stream(), RefusedStreamError)

					continue
				}

				if fr.Stream() < sc.lastID {
					sc.writeGoAway(fr.Stream(), ProtocolError, "stream ID is lower than the latest")
					continue
				}

				strm = NewStream(fr.Stream(), sc.maxWindow, sc.outWindow.get(), nil)
				strms = append(strms, strm)

				// RFC(5.1.1):
				//
				// The identifier of a newly established stream MUST be numerically
				// greater than all streams that the initiating endpoint has opened
				// or reserved. This governs streams that are opened using a
				// HEADERS frame and streams that are reserved using PUSH_PROMISE.
				if fr.Type() == FrameHeaders {
					openStreams++
					sc.lastID = fr.Stream()
				}

				sc.createStream(sc.c, fr.Type(), strm)

				if sc.debug {
					sc.logger.Printf("Stream %d created. Open streams: %d\n", strm.ID(), openStreams)
				}

				if !reqTimerArmed && sc.maxRequestTime > 0 {
					reqTimerArmed = true
					sc.maxRequestTimer.Reset(sc.maxRequestTime)

					if sc.debug {
						sc.logger.Printf("Next request will timeout in %f seconds\n", sc.maxRequestTime.Seconds())
					}
				}
			}

			// if we have more than one stream (this one newly created) check if the previous finished sending the headers
			if fr.Type() == FrameHeaders {
				nstrm := strms.getPrevious(FrameHeaders)
				if nstrm != nil && !nstrm.headersFinished {
					sc.writeError(nstrm, NewGoAwayError(ProtocolError, "previous stream headers not ended"))
					continue
				}

				for len(strms) != 0 {
					nstrm := strms[0]
					// RFC(5.1.1):
					//
					// The first use of a new stream identifier implicitly
					// closes all streams in the "idle" state that might
					// have been initiated by that peer with a lower-valued stream identifier
					if nstrm.ID() < strm.ID() &&
						nstrm.State() == StreamStateIdle &&
						nstrm.origType == FrameHeaders {

						nstrm.SetState(StreamStateClosed)
						closeStream(nstrm)

						if sc.debug {
							sc.logger.Printf("Cancelling stream in idle state: %d\n", nstrm.ID())
						}

						sc.writeReset(nstrm.ID(), StreamCanceled)

						continue
					}

					break
				}

				if sc.maxIdleTimer != nil {
					sc.maxIdleTimer.Reset(sc.maxIdleTime)
				}
			}

			if err := sc.handleFrame(strm, fr); err != nil {
				sc.writeError(strm, err)
				strm.SetState(StreamStateClosed)
			}

			handleState(fr, strm)

			switch strm.State() {
			case StreamStateHalfClosedRemote:
				sc.handleEndRequest(strm)
				// handleEndRequest only transitions to Closed itself when
				// the response had no body to send; a body with one is
				// paced out by an async writer goroutine, which reports
				// back on sc.streamDone once it's done.
				if strm.State() == StreamStateClosed {
					closeStream(strm)
				}
			case StreamStateClosed:
				finishStream(strm)
			}

			ReleaseFrameHeader(fr)

			if isClosing {
				ref := atomic.LoadUint32(&sc.closeRef)
				// if there's no reference, then just close the connection
				if ref == 0 {
					break
				}

				// if we have a ref, then check that all streams previous to that ref are closed
				for _, strm := range strms {
					// if the stream is here, then it's not closed yet
					if strm.origType == FrameHeaders && strm.ID() <= ref {
						continue loop
					}
				}

				break loop
			}
		}
	}

	// wake any body-writer goroutines still blocked on flow-control
	// credit so they don't leak once the connection is gone.
	sc.outWindow.teardown()
	for _, strm := range strms {
		strm.AbortOutWindow()
	}
}

func (sc *serverConn) writeReset(strm uint32, code ErrorCode) {
	r := AcquireFrame(FrameResetStream).(*RstStream)

	fr := AcquireFrameHeader()
	fr.SetStream(strm)
	fr.SetBody(r)

	r.SetCode(code)

	sc.writer <- fr

	if sc.debug {
		sc.logger.Printf(
			"%s: Reset(stream=%d, code=%s)\n",
			sc.c.RemoteAddr(), strm, code,
		)
	}
}

func (sc *serverConn) writeGoAway(strm uint32, code ErrorCode, message string) {
	ga := AcquireFrame(FrameGoAway).(*GoAway)

	fr := AcquireFrameHeader()

	ga.SetStream(strm)
	ga.SetCode(code)
	ga.SetData([]byte(message))

	fr.SetBody(ga)

	sc.writer <- fr

	if strm != 0 {
		atomic.StoreUint32(&sc.closeRef, sc.lastID)
	}

	atomic.StoreInt32((*int32)(&sc.state), int32(connStateClosed))

	if sc.debug {
		sc.logger.Printf(
			"%s: GoAway(stream=%d, code=%s): %s\n",
			sc.c.RemoteAddr(), strm, code, message,
		)
	}
}

func (sc *serverConn) writeError(strm *Stream, err error) {
	streamErr := Error{}
	if !errors.As(err, &streamErr) {
		if strm != nil {
			sc.writeReset(strm.ID(), InternalError)
			strm.SetState(StreamStateClosed)
		}
		return
	}

	switch streamErr.frameType {
	case FrameGoAway:
		if strm == nil {
			sc.writeGoAway(0, streamErr.Code(), streamErr.Error())
		} else {
			sc.writeGoAway(strm.ID(), streamErr.Code(), streamErr.Error())
		}
	case FrameResetStream:
		if strm != nil {
			sc.writeReset(strm.ID(), streamErr.Code())
		}
	}

	if strm != nil {
		strm.SetState(StreamStateClosed)
	}
}

// handleState applies the RFC 7540 §5.1 stream-state transitions that
// follow from having just processed fr on strm. Half-closed is split by
// direction: receiving END_STREAM only ends the remote side, so the
// connection loop still owes the peer a response before the stream is
// fully closed.
func handleState(fr *FrameHeader, strm *Stream) {
	if fr.Type() == FrameResetStream {
		strm.SetState(StreamStateClosed)
		return
	}

	switch strm.State() {
	case StreamStateIdle:
		if fr.Type() == FrameHeaders {
			strm.SetState(StreamStateOpen)
			if fr.Flags().Has(FlagEndStream) {
				strm.SetState(StreamStateHalfClosedRemote)
			}
		} // TODO: push promise support
	case StreamStateOpen:
		if fr.Flags().Has(FlagEndStream) {
			strm.SetState(StreamStateHalfClosedRemote)
		}
	case StreamStateHalfClosedRemote:
		// a half-closed (remote) stream only becomes closed once the
		// handler's response has been written out; handleStreams does
		// that transition itself after handleEndRequest returns.
	case StreamStateHalfClosedLocal, StreamStateClosed:
	}
}

var ctxPool = sync.Pool{
	New: func() interface{} {
		return &fasthttp.RequestCtx{}
	},
}

func (sc *serverConn) createStream(c net.Conn, frameType FrameType, strm *Stream) {
	ctx := ctxPool.Get().(*fasthttp.RequestCtx)
	ctx.Request.Reset()
	ctx.Response.Reset()

	ctx.Init2(c, sc.logger, false)

	strm.origType = frameType
	strm.startedAt = time.Now()
	strm.ctx = ctx
	strm.SetData(ctx)
}

func (sc *serverConn) handleFrame(strm *Stream, fr *FrameHeader) error {
	err := sc.verifyState(strm, fr)
	if err != nil {
		return err
	}

	switch fr.Type() {
	case FrameHeaders, FrameContinuation:
		if strm.State() >= StreamStateHalfClosedRemote {
			return NewGoAwayError(ProtocolError, "received headers on a finished stream")
		}

		err = sc.handleHeaderFrame(strm, fr)
		if err != nil {
			return err
		}

		if fr.Flags().Has(FlagEndHeaders) {
			strm.headersFinished = true

			// calling req.URI() triggers a URL parsing, so because of that we need to delay the URL parsing.
			strm.ctx.Request.URI().SetSchemeBytes(strm.scheme)
		}
	case FrameData:
		if !strm.headersFinished {
			return NewGoAwayError(ProtocolError, "stream didn't end the headers")
		}

		if strm.State() >= StreamStateHalfClosedRemote {
			return NewGoAwayError(StreamClosedError, "stream closed")
		}

		data := fr.Body().(*Data)
		n := int32(fr.Len())

		if n > sc.currentWindow || n > strm.InWindow() {
			return NewGoAwayError(FlowControlError, "DATA exceeds the advertised window")
		}

		sc.currentWindow -= n
		strm.IncrInWindow(-n)

		if data.Len() != 0 {
			strm.ctx.Request.AppendBody(data.Data())

			if !strm.ConsumeDeclaredLength(int64(data.Len())) {
				return NewResetStreamError(ProtocolError, "DATA exceeds the declared content-length")
			}
		}

		if fr.Flags().Has(FlagEndStream) && !strm.LengthSatisfied() {
			return NewResetStreamError(ProtocolError, "body shorter than the declared content-length")
		}

		sc.replenishInboundWindow(strm)
	case FrameResetStream:
		if strm.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "RST_STREAM on idle stream")
		}
	case FramePriority:
		if strm.State() != StreamStateIdle && !strm.headersFinished {
			return NewGoAwayError(ProtocolError, "frame priority on an open stream")
		}

		if priorityFrame, ok := fr.Body().(*Priority); ok && priorityFrame.Stream() == strm.ID() {
			return NewGoAwayError(ProtocolError, "stream that depends on itself")
		}
	case FrameWindowUpdate:
		if strm.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "window update on idle stream")
		}

		win := int32(fr.Body().(*WindowUpdate).Increment())
		if win == 0 {
			return NewGoAwayError(ProtocolError, "window increment of 0")
		}

		if !strm.IncrOutWindowChecked(win, int32(maxWindowSize)) {
			return NewResetStreamError(FlowControlError, "window is above limits")
		}
	default:
		return NewGoAwayError(ProtocolError, "invalid frame")
	}

	return err
}

// replenishInboundWindow emits WINDOW_UPDATE frames, connection- and
// stream-scoped, once consumed-but-uncredited bytes pass half of the
// advertised window — the same connection-scope threshold the client role
// uses in Conn.readStream (which credits its stream windows on every DATA
// frame instead).
func (sc *serverConn) replenishInboundWindow(strm *Stream) {
	if sc.currentWindow < sc.maxWindow/2 {
		credit := sc.maxWindow - sc.currentWindow
		sc.currentWindow = sc.maxWindow
		sc.writeWindowUpdate(0, credit)
	}

	if strm.InWindow() < sc.maxWindow/2 {
		credit := sc.maxWindow - strm.InWindow()
		strm.SetInWindow(sc.maxWindow)
		sc.writeWindowUpdate(strm.ID(), credit)
	}
}

func (sc *serverConn) writeWindowUpdate(streamID uint32, credit int32) {
	fr := AcquireFrameHeader()
	fr.SetStream(streamID)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(int(credit))
	fr.SetBody(wu)

	sc.writer <- fr
}

// handleHeaderFrame joins fr's payload onto strm's header assembler and,
// once a complete block has arrived (END_HEADERS seen), decodes it in
// one shot and maps the decoded fields onto the fasthttp request being
// built for this stream.
func (sc *serverConn) handleHeaderFrame(strm *Stream, fr *FrameHeader) error {
	if strm.headersFinished && !fr.Flags().Has(FlagEndStream|FlagEndHeaders) {
		// TODO handle trailers
		return NewGoAwayError(ProtocolError, "stream not open")
	}

	if headerFrame, ok := fr.Body().(*Headers); ok && headerFrame.Stream() == strm.ID() {
		return NewGoAwayError(ProtocolError, "stream that depends on itself")
	}

	if !strm.hdr.inProgress() {
		strm.hdr.begin(strm.ID(), fr.Flags().Has(FlagEndStream))
	}
	strm.hdr.append(fr.Body().(FrameWithHeaders).Headers())

	if !fr.Flags().Has(FlagEndHeaders) {
		return nil
	}

	block := strm.hdr.take()

	fields, err := sc.dec.DecodeFull(block)
	if err != nil {
		return NewGoAwayError(CompressionError, err.Error())
	}

	req := &strm.ctx.Request

	for _, hf := range fields {
		k, v := hf.KeyBytes(), hf.ValueBytes()

		if !hf.IsPseudo() && bytes.Equal(k, StringContentLength) {
			if n, perr := strconv.ParseInt(hf.Value(), 10, 64); perr == nil {
				strm.SetDeclaredLength(n)
			}
			req.Header.AddBytesKV(k, v)
			ReleaseHeaderField(hf)
			continue
		}

		if !hf.IsPseudo() &&
			!bytes.Equal(k, StringUserAgent) &&
			!bytes.Equal(k, StringContentType) {

			req.Header.AddBytesKV(k, v)
			ReleaseHeaderField(hf)
			continue
		}

		if hf.IsPseudo() {
			k = k[1:]
		}

		switch k[0] {
		case 'm': // method
			req.Header.SetMethodBytes(v)
		case 'p': // path
			req.Header.SetRequestURIBytes(v)
		case 's': // scheme
			if !bytes.Equal(k, StringScheme[1:]) {
				ReleaseHeaderField(hf)
				return NewGoAwayError(ProtocolError, "invalid pseudoheader")
			}

			strm.scheme = append(strm.scheme[:0], v...)
		case 'a': // authority
			req.Header.SetHostBytes(v)
			req.Header.AddBytesV("Host", v)
		case 'u': // user-agent
			req.Header.SetUserAgentBytes(v)
		case 'c': // content-type
			req.Header.SetContentTypeBytes(v)
		default:
			ReleaseHeaderField(hf)
			return NewGoAwayError(ProtocolError, fmt.Sprintf("unknown header field %s", k))
		}

		ReleaseHeaderField(hf)
	}

	if fr.Flags().Has(FlagEndStream) && !strm.LengthSatisfied() {
		return NewResetStreamError(ProtocolError, "body shorter than the declared content-length")
	}

	return nil
}

func (sc *serverConn) verifyState(strm *Stream, fr *FrameHeader) error {
	switch strm.State() {
	case StreamStateIdle:
		if fr.Type() != FrameHeaders && fr.Type() != FramePriority {
			return NewGoAwayError(ProtocolError, "wrong frame on idle stream")
		}
	case StreamStateHalfClosedRemote:
		if fr.Type() != FrameWindowUpdate && fr.Type() != FramePriority && fr.Type() != FrameResetStream {
			return NewGoAwayError(StreamClosedError, "wrong frame on half-closed stream")
		}
	default:
	}

	return nil
}

// handleEndRequest dispatches the finished request to the handler, then
// frames and sends the response. It never runs the handler synchronously
// up against the response body: any body is paced out by a separate
// goroutine gated on both flow-control windows (see writeResponseBody),
// so a slow or stalled client can't starve handleStreams, which is still
// the only place per-stream WINDOW_UPDATE frames get applied.
func (sc *serverConn) handleEndRequest(strm *Stream) {
	ctx := strm.ctx
	ctx.Request.Header.SetProtocolBytes(StringHTTP2)

	sc.invokeHandler(strm, ctx)

	hasBody := ctx.Response.IsBodyStream() || len(ctx.Response.Body()) > 0

	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetEndHeaders(true)
	h.SetEndStream(!hasBody)

	fr.SetBody(h)

	fasthttpResponseHeaders(h, sc.enc, &ctx.Response)

	sc.writer <- fr

	if !hasBody {
		strm.SetState(StreamStateClosed)
		return
	}

	strm.asyncWriter = true
	go sc.writeResponseBody(strm, ctx)
}

// invokeHandler runs the user handler with its own panic guard, separate
// from the connection-wide recover in handleStreams: a panicking handler
// must only cost the stream it was serving, not the whole connection
// (RFC 7540 leaves application faults to the application layer). Because
// the handler always runs to completion before any response bytes are
// written, a panic here always happens "before producing headers", so the
// recovery path is always the synthesized-500 one, never RST_STREAM.
func (sc *serverConn) invokeHandler(strm *Stream, ctx *fasthttp.RequestCtx) {
	defer func() {
		if r := recover(); r != nil {
			if sc.debug {
				sc.logger.Printf("handler panicked on stream %d: %v\n%s\n", strm.ID(), r, debug.Stack())
			}

			ctx.Response.Reset()
			ctx.Response.SetStatusCode(fasthttp.StatusInternalServerError)
		}
	}()

	sc.h(ctx)
}

// writeResponseBody paces ctx's response body out, gated by both the
// connection-scope and stream-scope out-windows, and reports back on
// sc.streamDone once it's done so handleStreams can safely release strm.
func (sc *serverConn) writeResponseBody(strm *Stream, ctx *fasthttp.RequestCtx) {
	if ctx.Response.IsBodyStream() {
		streamWriter := acquireStreamWrite()
		streamWriter.strm = strm
		streamWriter.sc = sc
		streamWriter.size = int64(ctx.Response.Header.ContentLength())
		_ = ctx.Response.BodyWriteTo(streamWriter)
		releaseStreamWrite(streamWriter)
	} else {
		sc.writeData(strm, ctx.Response.Body())
	}

	sc.streamDone <- strm.ID()
}

var (
	copyBufPool = sync.Pool{
		New: func() interface{} {
			return make([]byte, 1<<14) // max frame size 16384
		},
	}
	streamWritePool = sync.Pool{
		New: func() interface{} {
			return &streamWrite{}
		},
	}
)

type streamWrite struct {
	size    int64
	written int64
	strm    *Stream
	sc      *serverConn
}

func acquireStreamWrite() *streamWrite {
	v := streamWritePool.Get()
	if v == nil {
		return &streamWrite{}
	}
	return v.(*streamWrite)
}

func releaseStreamWrite(streamWrite *streamWrite) {
	streamWrite.Reset()
	streamWritePool.Put(streamWrite)
}

func (s *streamWrite) Reset() {
	s.size = 0
	s.written = 0
	s.strm = nil
	s.sc = nil
}

func (s *streamWrite) Write(body []byte) (n int, err error) {
	if (s.size <= 0 && s.written > 0) || (s.size > 0 && s.written >= s.size) {
		return 0, errors.New("writer closed")
	}

	n = len(body)
	s.written += int64(n)

	end := s.size < 0 || s.written >= s.size

	sent := s.sc.sendDataChunk(s.strm, body, end)
	if sent < n {
		return sent, errors.New("stream window closed")
	}

	return n, nil
}

func (s *streamWrite) ReadFrom(r io.Reader) (num int64, err error) {
	buf := copyBufPool.Get().([]byte)

	if s.size < 0 {
		lrSize := limitedReaderSize(r)
		if lrSize >= 0 {
			s.size = lrSize
		}
	}

	var n int
	for {
		n, err = r.Read(buf[0:])
		if n <= 0 && err == nil {
			err = errors.New("BUG: io.Reader returned 0, nil")
		}

		if err != nil {
			break
		}

		end := err != nil || (s.size >= 0 && num+int64(n) >= s.size)

		sent := s.sc.sendDataChunk(s.strm, buf[:n], end)
		num += int64(sent)
		if sent < n {
			copyBufPool.Put(buf)
			return num, errors.New("stream window closed")
		}

		if s.size >= 0 && num >= s.size {
			break
		}
	}

	copyBufPool.Put(buf)
	if errors.Is(err, io.EOF) {
		return num, nil
	}

	return num, err
}

// sendDataChunk paces body out as DATA frames, never exceeding 16384 bytes
// per frame and never sending more than both the connection's and the
// stream's out-window currently allow. It blocks on sc.outWindow.take and
// strm.TakeOutWindow, which only return 0 once the connection or stream is
// being torn down, at which point it stops and reports how much got sent.
// Connection-level credit reserved but not usable by this stream (because
// the stream's own window is smaller) is handed back immediately so other
// streams aren't starved of it.
func (sc *serverConn) sendDataChunk(strm *Stream, body []byte, endStream bool) int {
	const maxFrame = 1 << 14

	sent := 0
	n := len(body)

	for sent < n {
		want := n - sent
		if want > maxFrame {
			want = maxFrame
		}

		connCredit := sc.outWindow.take(int32(want))
		if connCredit == 0 {
			return sent
		}

		streamCredit := strm.TakeOutWindow(connCredit)
		if streamCredit < connCredit {
			sc.outWindow.add(connCredit - streamCredit)
		}
		if streamCredit == 0 {
			return sent
		}

		chunk := int(streamCredit)

		fr := AcquireFrameHeader()
		fr.SetStream(strm.ID())

		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(endStream && sent+chunk >= n)
		data.SetPadding(false)
		data.SetData(body[sent : sent+chunk])

		fr.SetBody(data)

		sc.writer <- fr

		sent += chunk
	}

	return sent
}

func (sc *serverConn) writeData(strm *Stream, body []byte) {
	sc.sendDataChunk(strm, body, true)
}

func (sc *serverConn) sendPingAndSchedule() {
	sc.writePing()

	sc.pingTimer.Reset(sc.pingInterval)
}

func (sc *serverConn) writeLoop() {
	if sc.pingInterval > 0 {
		sc.pingTimer = time.AfterFunc(sc.pingInterval, sc.sendPingAndSchedule)
	}

	buffered := 0

	for fr := range sc.writer {
		_, err := fr.WriteTo(sc.bw)
		if err == nil && (len(sc.writer) == 0 || buffered > 10) {
			err = sc.bw.Flush()
			buffered = 0
		} else if err == nil {
			buffered++
		}

		ReleaseFrameHeader(fr)

		if err != nil {
			sc.logger.Printf("ERROR: writeLoop: %s\n", err)
			return
		}
	}
}

// StreamSnapshot is one stream's table entry as reported by DumpState.
type StreamSnapshot struct {
	ID        uint32
	State     StreamState
	InWindow  int32
	OutWindow int32
}

// ConnSnapshot is a point-in-time view of a connection's stream table and
// flow-control windows, answered from inside handleStreams so it never
// races the goroutine that owns that state.
type ConnSnapshot struct {
	Streams       []StreamSnapshot
	ConnInWindow  int32
	ConnOutWindow int32
}

func (sc *serverConn) snapshot(strms Streams) ConnSnapshot {
	snap := ConnSnapshot{
		Streams:       make([]StreamSnapshot, len(strms)),
		ConnInWindow:  sc.currentWindow,
		ConnOutWindow: sc.outWindow.get(),
	}

	for i, strm := range strms {
		snap.Streams[i] = StreamSnapshot{
			ID:        strm.ID(),
			State:     strm.State(),
			InWindow:  strm.InWindow(),
			OutWindow: strm.OutWindow(),
		}
	}

	return snap
}

// DumpState returns a snapshot of the connection's stream table and
// windows, for tests that need to assert on internal state without
// racing the conn loop that owns it.
func (sc *serverConn) DumpState() ConnSnapshot {
	reply := make(chan ConnSnapshot, 1)
	sc.dumpState <- reply
	return <-reply
}

// SendSettings queues a SETTINGS frame and blocks until the peer ACKs it.
func (sc *serverConn) SendSettings(st *Settings) {
	done := make(chan struct{})

	sc.settingsAckMu.Lock()
	sc.settingsAckers = append(sc.settingsAckers, done)
	sc.settingsAckMu.Unlock()

	fr := AcquireFrameHeader()

	stFrame := AcquireFrame(FrameSettings).(*Settings)
	st.CopyTo(stFrame)

	fr.SetBody(stFrame)

	sc.writer <- fr

	<-done
}

// notifySettingsAcked wakes every SendSettings call waiting on this
// connection's peer to ACK a SETTINGS frame.
func (sc *serverConn) notifySettingsAcked() {
	sc.settingsAckMu.Lock()
	ackers := sc.settingsAckers
	sc.settingsAckers = nil
	sc.settingsAckMu.Unlock()

	for _, ch := range ackers {
		close(ch)
	}
}

func (sc *serverConn) handleSettings(st *Settings) {
	prevInitial := int32(sc.clientS.InitialWindowSize())

	st.CopyTo(&sc.clientS)
	sc.enc.SetMaxEncoderTableSize(sc.clientS.HeaderTableSize())

	// RFC 7540 §6.9.2: a changed SETTINGS_INITIAL_WINDOW_SIZE adjusts every
	// existing stream's out-window by the delta, not the connection window.
	// handleStreams owns the stream table, so hand it the delta instead of
	// touching streams from this goroutine.
	if delta := int32(sc.clientS.InitialWindowSize()) - prevInitial; delta != 0 {
		sc.windowDelta <- delta
	}

	fr := AcquireFrameHeader()

	stRes := AcquireFrame(FrameSettings).(*Settings)
	stRes.SetAck(true)

	fr.SetBody(stRes)

	sc.writer <- fr
}

func fasthttpResponseHeaders(dst *Headers, hp *HPACK, res *fasthttp.Response) {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	hf.SetKeyBytes(StringStatus)
	hf.SetValue(
		strconv.FormatInt(
			int64(res.Header.StatusCode()), 10,
		),
	)

	dst.AppendHeaderField(hp, hf, true)

	if !res.IsBodyStream() {
		res.Header.SetContentLength(len(res.Body()))
	}
	// Remove the Connection field
	res.Header.Del("Connection")
	// Remove the Transfer-Encoding field
	res.Header.Del("Transfer-Encoding")

	res.Header.VisitAll(func(k, v []byte) {
		hf.SetBytes(ToLower(k), v)
		dst.AppendHeaderField(hp, hf, false)
	})
}

func limitedReaderSize(r io.Reader) int64 {
	lr, ok := r.(*io.LimitedReader)
	if !ok {
		return -1
	}
	return lr.N
}
