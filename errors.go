package http2

import (
	"errors"
	"fmt"
)

// ErrorCode is an HTTP/2 error code, carried on RST_STREAM and GOAWAY
// frames.
//
// https://tools.ietf.org/html/rfc7540#section-11.4
type ErrorCode uint32

const (
	NoError            ErrorCode = 0x0
	ProtocolError      ErrorCode = 0x1
	InternalError      ErrorCode = 0x2
	FlowControlError   ErrorCode = 0x3
	SettingsTimeoutError ErrorCode = 0x4
	StreamClosedError  ErrorCode = 0x5
	FrameSizeError     ErrorCode = 0x6
	RefusedStreamError ErrorCode = 0x7
	StreamCanceled     ErrorCode = 0x8
	CompressionError   ErrorCode = 0x9
	ConnectError       ErrorCode = 0xa
	EnhanceYourCalm    ErrorCode = 0xb
	InadequateSecurity ErrorCode = 0xc
	HTTP11Required     ErrorCode = 0xd
)

var errorCodeNames = map[ErrorCode]string{
	NoError:            "NO_ERROR",
	ProtocolError:      "PROTOCOL_ERROR",
	InternalError:      "INTERNAL_ERROR",
	FlowControlError:   "FLOW_CONTROL_ERROR",
	SettingsTimeoutError: "SETTINGS_TIMEOUT",
	StreamClosedError:  "STREAM_CLOSED",
	FrameSizeError:     "FRAME_SIZE_ERROR",
	RefusedStreamError: "REFUSED_STREAM",
	StreamCanceled:     "CANCEL",
	CompressionError:   "COMPRESSION_ERROR",
	ConnectError:       "CONNECT_ERROR",
	EnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	InadequateSecurity: "INADEQUATE_SECURITY",
	HTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (code ErrorCode) String() string {
	if name, ok := errorCodeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint32(code))
}

// Error is the connection/stream error type: an ErrorCode paired with
// the frame type that should carry it to the peer (GOAWAY for
// connection errors, RST_STREAM for stream errors) and a human-readable
// cause. It is always handled and compared by value, never by pointer,
// so errors.As(err, &Error{}) works regardless of how deeply it was
// wrapped.
type Error struct {
	code      ErrorCode
	frameType FrameType
	msg       string
}

// NewError builds a generic Error not tied to a particular teardown
// frame; used where only the code matters (e.g. RstStream.Error()).
func NewError(code ErrorCode, msg string) error {
	return Error{code: code, msg: msg}
}

// NewGoAwayError builds an Error that terminates the whole connection
// with a GOAWAY frame.
func NewGoAwayError(code ErrorCode, msg string) error {
	return Error{code: code, frameType: FrameGoAway, msg: msg}
}

// NewResetStreamError builds an Error that only resets the offending
// stream with RST_STREAM, leaving the connection alive.
func NewResetStreamError(code ErrorCode, msg string) error {
	return Error{code: code, frameType: FrameResetStream, msg: msg}
}

func (e Error) Code() ErrorCode {
	return e.code
}

func (e Error) Error() string {
	if e.msg == "" {
		return e.code.String()
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

// Sentinel errors referenced throughout the frame codec and conn loop.
var (
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrMissingBytes     = errors.New("frame payload shorter than its fixed fields require")
	ErrZeroPayload      = errors.New("frame payload length is zero")
	ErrBadPreface       = errors.New("bad HTTP/2 connection preface")
	ErrFrameMismatch    = errors.New("frame type mismatch from called function")
	ErrNilWriter        = errors.New("writer cannot be nil")
	ErrNilReader        = errors.New("reader cannot be nil")
	ErrUnknown          = errors.New("unknown error")
	ErrBitOverflow      = errors.New("bit overflow")
	ErrPayloadExceeds   = errors.New("payload exceeds the negotiated maximum frame size")
	ErrUnexpectedSize   = errors.New("decoded header block size mismatch")
	ErrCompression      = errors.New("HPACK decompression error")
)
