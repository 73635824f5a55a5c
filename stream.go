package http2

import (
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// StreamState is the RFC 7540 §5.1 stream state, expanded from the
// teacher's 4-state model into the full 5-state machine: half-closed is
// directional, since a stream that has stopped sending can still be
// receiving (and vice versa) and the two must be tracked independently.
type StreamState int8

const (
	StreamStateIdle StreamState = iota
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

func (ss StreamState) String() string {
	switch ss {
	case StreamStateIdle:
		return "idle"
	case StreamStateOpen:
		return "open"
	case StreamStateHalfClosedLocal:
		return "half-closed (local)"
	case StreamStateHalfClosedRemote:
		return "half-closed (remote)"
	case StreamStateClosed:
		return "closed"
	}
	return "unknown"
}

// InMessageStage tracks where a stream is within the HEADERS [DATA*]
// [trailing HEADERS] shape of a single HTTP message, independent of the
// stream's RFC 7540 state — a stream can be HalfClosedRemote (peer sent
// END_STREAM) while still sitting at AfterInitialHeaders if the message
// had no body.
type InMessageStage uint8

const (
	StageInitial InMessageStage = iota
	StageAfterInitialHeaders
	StageAfterTrailingHeaders
)

// Stream is one HTTP/2 stream's table entry: identity, state, the two
// independent flow-control windows (what we owe the peer credit for
// reading, what the peer owes us credit for writing), and the
// declared-length bookkeeping for its inbound body.
//
// inWindow is only ever touched by the connection's single conn-loop
// goroutine, so it stays a plain field. outWindow is also spent by a
// per-response body-writing goroutine, so it's backed by flowWindow,
// which is safe to read, add to, and block on from any goroutine.
type Stream struct {
	id    uint32
	state StreamState
	stage InMessageStage

	inWindow  int32
	outWindow *flowWindow

	weight byte
	parent uint32

	endStreamSent bool
	endStreamRecv bool

	// declaredLen is the content-length the peer advertised for this
	// stream's body, or -1 if none was sent. remainingLen counts down as
	// DATA arrives; a nonzero remainder at END_STREAM is a framing
	// mismatch (RFC 7230 §3.3.3 applied to the DATA sequence).
	declaredLen  int64
	remainingLen int64

	data interface{}

	// asyncWriter is set once a body-writing goroutine has been launched
	// for this stream's response, so handleStreams knows it must wait for
	// that goroutine to report back (via serverConn.streamDone) instead of
	// releasing the Stream out from under it.
	asyncWriter bool

	// The fields below are the server conn loop's per-stream request
	// bookkeeping: which frame type opened the stream (HEADERS vs
	// PUSH_PROMISE), when it started (for the per-request timeout), the
	// fasthttp context it's building a request into, whether its header
	// block has been fully received, the deferred :scheme pseudo-header
	// (URI scheme parsing is delayed until the block is complete), and
	// the assembler joining its HEADERS/CONTINUATION frames.
	origType        FrameType
	startedAt       time.Time
	ctx             *fasthttp.RequestCtx
	headersFinished bool
	scheme          []byte
	hdr             headerAssembler
}

var streamPool = sync.Pool{
	New: func() interface{} { return &Stream{} },
}

// NewStream returns a Stream in StreamStateIdle with the given initial
// windows, ready to be inserted into a Streams table.
func NewStream(id uint32, inWindow, outWindow int32, data interface{}) *Stream {
	s := streamPool.Get().(*Stream)
	s.id = id
	s.state = StreamStateIdle
	s.stage = StageInitial
	s.inWindow = inWindow
	s.outWindow = newFlowWindow(outWindow)
	s.weight = 0
	s.parent = 0
	s.endStreamSent = false
	s.endStreamRecv = false
	s.declaredLen = -1
	s.remainingLen = -1
	s.asyncWriter = false
	s.data = data
	s.origType = 0
	s.startedAt = time.Time{}
	s.ctx = nil
	s.headersFinished = false
	s.scheme = s.scheme[:0]
	s.hdr = headerAssembler{}
	return s
}

// Release returns s to the pool. Callers must not still have a body-writer
// goroutine running against s (see asyncWriter).
func Release(s *Stream) {
	s.outWindow.teardown()
	s.data = nil
	s.ctx = nil
	streamPool.Put(s)
}

func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) State() StreamState { return s.state }

func (s *Stream) SetState(state StreamState) { s.state = state }

func (s *Stream) Stage() InMessageStage { return s.stage }

func (s *Stream) SetStage(stage InMessageStage) { s.stage = stage }

func (s *Stream) InWindow() int32 { return s.inWindow }

func (s *Stream) SetInWindow(w int32) { s.inWindow = w }

func (s *Stream) IncrInWindow(delta int32) { s.inWindow += delta }

func (s *Stream) OutWindow() int32 { return s.outWindow.get() }

func (s *Stream) SetOutWindow(w int32) { s.outWindow.set(w) }

func (s *Stream) IncrOutWindow(delta int32) { s.outWindow.add(delta) }

// IncrOutWindowChecked applies delta unless doing so would push the
// window above limit (RFC 7540 §6.9.1), in which case it's left
// unchanged and false is returned.
func (s *Stream) IncrOutWindowChecked(delta int32, limit int32) bool {
	return s.outWindow.addChecked(delta, limit)
}

// TakeOutWindow reserves up to want bytes of out-window credit, blocking
// until some is available. It returns 0 only once the stream's window has
// been torn down (the stream is being abandoned), telling a body writer
// to stop.
func (s *Stream) TakeOutWindow(want int32) int32 { return s.outWindow.take(want) }

// AbortOutWindow wakes any body writer blocked on this stream's out
// window so it can exit instead of blocking forever.
func (s *Stream) AbortOutWindow() { s.outWindow.teardown() }

func (s *Stream) Weight() byte { return s.weight }

func (s *Stream) SetWeight(w byte) { s.weight = w }

func (s *Stream) Parent() uint32 { return s.parent }

func (s *Stream) SetParent(id uint32) { s.parent = id }

func (s *Stream) Data() interface{} { return s.data }

func (s *Stream) SetData(data interface{}) { s.data = data }

// SetDeclaredLength records the content-length the peer announced for
// this stream's inbound body, if any.
func (s *Stream) SetDeclaredLength(n int64) {
	s.declaredLen = n
	s.remainingLen = n
}

// DeclaredLength returns the announced content-length, or -1 if none was
// sent.
func (s *Stream) DeclaredLength() int64 { return s.declaredLen }

// ConsumeDeclaredLength decrements the remaining expected body bytes by n,
// returning false if that drives it negative (more body than announced).
func (s *Stream) ConsumeDeclaredLength(n int64) bool {
	if s.remainingLen < 0 {
		return true
	}
	s.remainingLen -= n
	return s.remainingLen >= 0
}

// LengthSatisfied reports whether the declared content-length (if any)
// was exactly met by the body received so far.
func (s *Stream) LengthSatisfied() bool {
	return s.remainingLen <= 0
}
