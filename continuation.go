package http2

import "sync"


var (
	_ Frame            = &Continuation{}
	_ FrameWithHeaders = &Continuation{}
)

// Continuation represents the Continuation frame.
//
// Continuation frame can carry raw headers and/or the EndHeaders flag.
//
// https://tools.ietf.org/html/rfc7540#section-6.10
type Continuation struct {
	endHeaders bool
	rawHeaders []byte
}

func (c *Continuation) Type() FrameType {
	return FrameContinuation
}

func (c *Continuation) Reset() {
	c.endHeaders = false
	c.rawHeaders = c.rawHeaders[:0]
}

func (c *Continuation) CopyTo(cc *Continuation) {
	cc.endHeaders = c.endHeaders
	cc.rawHeaders = append(cc.rawHeaders[:0], c.rawHeaders...)
}

// Headers returns Header bytes.
func (c *Continuation) Headers() []byte {
	return c.rawHeaders
}

func (c *Continuation) SetEndHeaders(value bool) {
	c.endHeaders = value
}

func (c *Continuation) EndHeaders() bool {
	return c.endHeaders
}

func (c *Continuation) SetHeader(b []byte) {
	c.rawHeaders = append(c.rawHeaders[:0], b...)
}

// AppendHeader appends the contents of `b` into the header.
func (c *Continuation) AppendHeader(b []byte) {
	c.rawHeaders = append(c.rawHeaders, b...)
}

// Write writes `b` into the header. Write is equivalent to AppendHeader.
func (c *Continuation) Write(b []byte) (int, error) {
	n := len(b)
	c.AppendHeader(b)
	return n, nil
}

func (c *Continuation) Deserialize(fr *FrameHeader) error {
	c.endHeaders = fr.Flags().Has(FlagEndHeaders)
	c.SetHeader(fr.payload)

	return nil
}

func (c *Continuation) Serialize(fr *FrameHeader) {
	if c.endHeaders {
		fr.SetFlags(
			fr.Flags().Add(FlagEndHeaders))
	}

	fr.setPayload(c.rawHeaders)
}

var continuationPool = sync.Pool{
	New: func() interface{} { return &Continuation{} },
}

func acquireContinuation() *Continuation {
	return continuationPool.Get().(*Continuation)
}

func releaseContinuation(c *Continuation) {
	c.Reset()
	continuationPool.Put(c)
}

// headerAssembler joins a HEADERS frame with zero or more trailing
// CONTINUATION frames into one logical header block, per RFC 7540
// §6.2/§6.10: a stream's header block is split across frames only when
// it doesn't fit the negotiated max frame size, and no other frame for
// any stream may be interleaved while it's incomplete.
type headerAssembler struct {
	streamID   uint32
	priority   bool
	endStream  bool
	collecting bool
	raw        []byte
}

// begin starts collecting a new header block for streamID. Panics if a
// block is already in progress, since the conn loop must never start a
// second one before take has returned the first.
func (ha *headerAssembler) begin(streamID uint32, endStream bool) {
	if ha.collecting {
		panic("headerAssembler: begin called while a block is in progress")
	}
	ha.streamID = streamID
	ha.endStream = endStream
	ha.collecting = true
	ha.raw = ha.raw[:0]
}

func (ha *headerAssembler) append(b []byte) {
	ha.raw = append(ha.raw, b...)
}

// inProgress reports whether a header block is waiting on more
// CONTINUATION frames.
func (ha *headerAssembler) inProgress() bool {
	return ha.collecting
}

// take returns the fully joined header block and resets the assembler.
func (ha *headerAssembler) take() []byte {
	ha.collecting = false
	return ha.raw
}
