package http2

import (
	"net"

	"github.com/valyala/fasthttp"
)

// Ctx is one in-flight client request: the fasthttp request/response
// pair the caller owns, plus the channel it blocks on for completion.
// Conn.Write queues a Ctx; the conn loop fills in Response and then
// sends (at most once) on Err before closing it.
type Ctx struct {
	c        net.Conn
	streamID uint32
	hp       *HPACK

	// hdr joins this request's response HEADERS frame with any trailing
	// CONTINUATION frames before the client decodes the block, the same
	// way a server-side Stream does.
	hdr headerAssembler

	Request  *fasthttp.Request
	Response *fasthttp.Response

	// Err carries the terminal error for this request (nil on a clean
	// completion) and is closed once the conn loop is done with it.
	Err chan error

	// outWindow is this request's stream-scope send window: how much more
	// body we may push before waiting for a stream WINDOW_UPDATE from the
	// server. It's set once the stream id is assigned and spent while the
	// body is being written.
	outWindow *flowWindow
}

// AcquireCtx returns a Ctx ready to be filled in and passed to Conn.Write.
func AcquireCtx(req *fasthttp.Request, res *fasthttp.Response) *Ctx {
	return &Ctx{
		Request:  req,
		Response: res,
		Err:      make(chan error, 1),
	}
}

func (ctx *Ctx) SetHPACK(hp *HPACK) {
	ctx.hp = hp
}

func (ctx *Ctx) SetStream(sid uint32) {
	ctx.streamID = sid
}
