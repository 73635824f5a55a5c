package http2

import (
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

// connPool is a pool of client Conns dialed lazily against the same
// address, reused across requests the way the teacher's clientPool
// reuses ClientStreams: an idle, still-open connection with spare
// stream capacity is handed back out, and a fresh one is dialed only
// when every pooled connection is either closed or saturated.
type connPool struct {
	mu    sync.Mutex
	d     *Dialer
	onRTT func(time.Duration)
	conns []*Conn
}

// Init resets the pool, dropping any connections it may have accrued.
// Exists so callers constructing a client directly (rather than
// through createClient) can ready it for use.
func (cp *connPool) Init() {
	cp.mu.Lock()
	cp.conns = cp.conns[:0]
	cp.mu.Unlock()
}

func (cp *connPool) acquire() (*Conn, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	var found *Conn
	for i := len(cp.conns) - 1; i >= 0; i-- {
		c := cp.conns[i]
		if c.Closed() {
			cp.conns = append(cp.conns[:i], cp.conns[i+1:]...)
			continue
		}
		if found == nil && c.CanOpenStream() {
			found = c
		}
	}

	if found != nil {
		return found, nil
	}

	c, err := cp.d.Dial()
	if err != nil {
		return nil, err
	}

	if cp.onRTT != nil {
		c.SetOnRTT(cp.onRTT)
	}

	cp.conns = append(cp.conns, c)

	return c, nil
}

// client is the pooled request/response side of a Dialer: it hands
// each Do call a pooled Conn, queues a Ctx on it, and waits for the
// conn loop to fill in the response.
type client struct {
	conns connPool

	onRTT func(time.Duration)

	// enableCompression requests gzip/deflate/br from the server and
	// transparently decodes the response body, mirroring what
	// fasthttp.HostClient itself does for HTTP/1.1.
	enableCompression bool
}

// createClient builds a client dialing new connections through d.
func createClient(d *Dialer) *client {
	cl := &client{
		conns: connPool{d: d},
	}
	return cl
}

// NewClient creates a standalone pooled client for addr, dialing its
// first connection on the first Do call.
func NewClient(addr string) *client {
	return createClient(&Dialer{Addr: addr})
}

// EnableCompression turns on Accept-Encoding negotiation and automatic
// response body decompression.
func (cl *client) EnableCompression(enable bool) {
	cl.enableCompression = enable
}

// Do sends req over a pooled connection and blocks until res has been
// fully populated or an error occurs.
func (cl *client) Do(req *fasthttp.Request, res *fasthttp.Response) error {
	cl.conns.onRTT = cl.onRTT

	c, err := cl.conns.acquire()
	if err != nil {
		return err
	}

	if cl.enableCompression {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	ctx := AcquireCtx(req, res)

	c.Write(ctx)

	err = <-ctx.Err

	if err == nil && cl.enableCompression {
		err = decodeBody(res)
	}

	return err
}

// decodeBody transparently inflates a compressed response body
// according to its Content-Encoding header, the same three codecs the
// teacher's client already handled.
func decodeBody(res *fasthttp.Response) error {
	encoding := res.Header.Peek("Content-Encoding")
	if len(encoding) == 0 {
		return nil
	}

	var (
		n   int
		err error
	)

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	switch encoding[0] {
	case 'b':
		n, err = fasthttp.WriteUnbrotli(bb, res.Body())
	case 'd':
		n, err = fasthttp.WriteInflate(bb, res.Body())
	case 'g':
		n, err = fasthttp.WriteGunzip(bb, res.Body())
	}

	if n > 0 {
		res.SetBody(bb.B)
	}

	return err
}
