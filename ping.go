package http2

import (
	"encoding/binary"
	"sync"
	"time"
)


var _ Frame = &Ping{}

// Ping ...
//
// https://tools.ietf.org/html/rfc7540#section-6.7
type Ping struct {
	ack  bool
	data [8]byte
}

func (ping *Ping) Type() FrameType {
	return FramePing
}

// Reset ...
func (ping *Ping) Reset() {
	ping.ack = false
	ping.data = [8]byte{}
}

// CopyTo ...
func (ping *Ping) CopyTo(p *Ping) {
	p.ack = ping.ack
	p.data = ping.data
}

// Write ...
func (ping *Ping) Write(b []byte) (n int, err error) {
	copy(ping.data[:], b)
	return
}

// SetData ...
func (ping *Ping) SetData(b []byte) {
	copy(ping.data[:], b)
}

// Deserialize ...
func (ping *Ping) Deserialize(frh *FrameHeader) error {
	ping.ack = frh.Flags().Has(FlagAck)
	ping.SetData(frh.payload)
	return nil
}

func (ping *Ping) Data() []byte {
	return ping.data[:]
}

// IsAck reports whether this PING carries the ACK flag, i.e. it is the
// peer's reply to one of ours rather than a fresh keepalive probe.
func (ping *Ping) IsAck() bool {
	return ping.ack
}

// SetAck marks this PING as an ACK.
func (ping *Ping) SetAck(ack bool) {
	ping.ack = ack
}

// SetCurrentTime stamps the opaque 8-byte payload with the current time,
// so that when the peer echoes it back in its ACK we can measure RTT
// without keeping any in-flight-ping bookkeeping on the side.
func (ping *Ping) SetCurrentTime() {
	binary.BigEndian.PutUint64(ping.data[:], uint64(time.Now().UnixNano()))
}

// RTT returns the elapsed time since SetCurrentTime was called on the
// PING this one is carrying an echoed payload for. Only meaningful on an
// ACK whose data round-tripped through SetCurrentTime.
func (ping *Ping) RTT() time.Duration {
	sent := int64(binary.BigEndian.Uint64(ping.data[:]))
	return time.Duration(time.Now().UnixNano() - sent)
}

// Serialize ...
func (ping *Ping) Serialize(fr *FrameHeader) {
	if ping.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
	}

	fr.setPayload(ping.data[:])
}

var pingPool = sync.Pool{
	New: func() interface{} { return &Ping{} },
}

func acquirePing() *Ping {
	return pingPool.Get().(*Ping)
}

func releasePing(ping *Ping) {
	ping.Reset()
	pingPool.Put(ping)
}
