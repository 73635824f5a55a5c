package http2

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// HPACK wraps RFC 7541 compression state: an encoder and a decoder, each
// with its own dynamic table. A connection keeps two independent HPACK
// instances (the enc and dec fields on Conn/serverConn), encoding with one
// and decoding with the other, since the send-side and receive-side
// dynamic tables never interact.
type HPACK struct {
	enc    *hpack.Encoder
	encBuf bytes.Buffer

	dec     *hpack.Decoder
	decoded []*HeaderField

	// DisableCompression, if true, turns outgoing indexing off (every
	// field is written as Literal Never Indexed). Mirrors the teacher's
	// lack of such a knob but is useful for conformance testing against
	// peers with tiny table sizes.
	DisableCompression bool
}

// NewHPACK returns an HPACK instance ready to encode and decode header
// blocks with an initially empty dynamic table on both sides.
func NewHPACK() *HPACK {
	hp := &HPACK{}
	hp.enc = hpack.NewEncoder(&hp.encBuf)
	hp.dec = hpack.NewDecoder(defaultHeaderTableSize, hp.onDecodedField)
	return hp
}

func (hp *HPACK) onDecodedField(f hpack.HeaderField) {
	hf := AcquireHeaderField()
	hf.SetKeyBytes([]byte(f.Name))
	hf.SetValueBytes([]byte(f.Value))
	hf.sensible = f.Sensitive
	hp.decoded = append(hp.decoded, hf)
}

// SetMaxEncoderTableSize applies a peer-negotiated
// SETTINGS_HEADER_TABLE_SIZE, capping how much of the peer's table our
// encoder is allowed to use when compressing what we send.
func (hp *HPACK) SetMaxEncoderTableSize(size uint32) {
	hp.enc.SetMaxDynamicTableSize(size)
}

// SetMaxDecoderTableSize caps how much memory we allow the peer's
// compressor to make us hold for headers sent to us.
func (hp *HPACK) SetMaxDecoderTableSize(size uint32) {
	hp.dec.SetMaxDynamicTableSize(size)
}

// AppendHeader HPACK-encodes hf onto dst. store controls whether the
// field may be added to the dynamic table: callers pass false for
// one-off or sensitive fields (authorization, cookie) to force a
// "literal never indexed" representation per RFC 7541 §6.2.3.
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, store bool) []byte {
	hp.encBuf.Reset()

	sensitive := hf.sensible || !store || hp.DisableCompression
	hp.enc.WriteField(hpack.HeaderField{
		Name:      string(hf.KeyBytes()),
		Value:     string(hf.ValueBytes()),
		Sensitive: sensitive,
	})

	return append(dst, hp.encBuf.Bytes()...)
}

// DecodeFull decodes a complete header block (already joined across any
// HEADERS/CONTINUATION fragments) and returns the decoded fields.
//
// The returned HeaderFields are owned by the caller, which must release
// each one with ReleaseHeaderField once done; the slice itself is reused
// by the next DecodeFull call on hp.
func (hp *HPACK) DecodeFull(data []byte) ([]*HeaderField, error) {
	hp.decoded = hp.decoded[:0]

	if _, err := hp.dec.Write(data); err != nil {
		return nil, err
	}

	return hp.decoded, nil
}
