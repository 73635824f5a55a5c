package http2

import (
	"sync"

	"github.com/nazdridoy/httpcore/http2utils"
)

// https://tools.ietf.org/html/rfc7540#section-11.3
const (
	settingHeaderTableSize      uint16 = 0x1
	settingEnablePush           uint16 = 0x2
	settingMaxConcurrentStreams uint16 = 0x3
	settingInitialWindowSize    uint16 = 0x4
	settingMaxFrameSize         uint16 = 0x5
	settingMaxHeaderListSize    uint16 = 0x6
)

// https://tools.ietf.org/html/rfc7540#section-6.5.2
const (
	defaultHeaderTableSize   = 4096
	defaultConcurrentStreams = 100
	defaultWindowSize        = 1<<16 - 1
	defaultMaxFrameSize      = 1 << 14
	maxWindowSize            = 1<<31 - 1
	maxFrameSize             = 1<<24 - 1
)

var _ Frame = &Settings{}

// Settings represents a SETTINGS frame, carrying the negotiable
// connection-wide parameters from RFC 7540 §6.5.2. A zero Settings holds
// Go zero values, not the RFC defaults — NewSettings (or Reset) fills in
// the defaults explicitly.
type Settings struct {
	ack bool

	headerTableSize      uint32
	disablePush          bool
	maxConcurrentStreams uint32
	initialWindowSize    uint32
	maxFrameSize         uint32
	maxHeaderListSize    uint32

	// per-field presence, since RFC 7540 says unmentioned parameters
	// must retain their current value rather than reset to the default.
	hasHeaderTableSize      bool
	hasMaxConcurrentStreams bool
	hasInitialWindowSize    bool
	hasMaxFrameSize         bool
	hasMaxHeaderListSize    bool
}

// NewSettings returns a Settings populated with the RFC 7540 defaults.
func NewSettings() *Settings {
	st := &Settings{}
	st.Reset()
	return st
}

var settingsPool = sync.Pool{
	New: func() interface{} { return NewSettings() },
}

// AcquireSettings gets a Settings from the pool, reset to RFC defaults.
func AcquireSettings() *Settings {
	return settingsPool.Get().(*Settings)
}

// ReleaseSettings puts st back into the pool.
func ReleaseSettings(st *Settings) {
	st.Reset()
	settingsPool.Put(st)
}

func acquireSettings() *Settings    { return AcquireSettings() }
func releaseSettings(st *Settings)  { ReleaseSettings(st) }

func (st *Settings) Type() FrameType {
	return FrameSettings
}

// Reset resets st back to the RFC 7540 defaults.
func (st *Settings) Reset() {
	st.ack = false
	st.headerTableSize = defaultHeaderTableSize
	st.disablePush = false
	st.maxConcurrentStreams = defaultConcurrentStreams
	st.initialWindowSize = defaultWindowSize
	st.maxFrameSize = defaultMaxFrameSize
	st.maxHeaderListSize = 0 // 0 means unlimited
	st.hasHeaderTableSize = false
	st.hasMaxConcurrentStreams = false
	st.hasInitialWindowSize = false
	st.hasMaxFrameSize = false
	st.hasMaxHeaderListSize = false
}

// CopyTo copies st fields onto other.
func (st *Settings) CopyTo(other *Settings) {
	*other = *st
}

func (st *Settings) IsAck() bool {
	return st.ack
}

func (st *Settings) SetAck(ack bool) {
	st.ack = ack
}

func (st *Settings) HeaderTableSize() uint32 {
	return st.headerTableSize
}

func (st *Settings) SetHeaderTableSize(size uint32) {
	st.headerTableSize = size
	st.hasHeaderTableSize = true
}

func (st *Settings) Push() bool {
	return !st.disablePush
}

func (st *Settings) SetPush(enable bool) {
	st.disablePush = !enable
}

func (st *Settings) MaxConcurrentStreams() uint32 {
	return st.maxConcurrentStreams
}

func (st *Settings) SetMaxConcurrentStreams(n uint32) {
	st.maxConcurrentStreams = n
	st.hasMaxConcurrentStreams = true
}

func (st *Settings) InitialWindowSize() uint32 {
	return st.initialWindowSize
}

func (st *Settings) SetInitialWindowSize(size uint32) {
	st.initialWindowSize = size
	st.hasInitialWindowSize = true
}

func (st *Settings) MaxFrameSize() uint32 {
	return st.maxFrameSize
}

func (st *Settings) SetMaxFrameSize(size uint32) {
	if size < defaultMaxFrameSize {
		size = defaultMaxFrameSize
	}
	if size > maxFrameSize {
		size = maxFrameSize
	}
	st.maxFrameSize = size
	st.hasMaxFrameSize = true
}

func (st *Settings) MaxHeaderListSize() uint32 {
	return st.maxHeaderListSize
}

func (st *Settings) SetMaxHeaderListSize(size uint32) {
	st.maxHeaderListSize = size
	st.hasMaxHeaderListSize = true
}

// Deserialize decodes the wire SETTINGS payload: a flat run of
// (16-bit identifier, 32-bit value) pairs. Unknown identifiers are
// ignored per RFC 7540 §6.5.
func (st *Settings) Deserialize(fr *FrameHeader) error {
	st.ack = fr.Flags().Has(FlagAck)
	if st.ack {
		return nil
	}

	payload := fr.payload
	if len(payload)%6 != 0 {
		return NewError(FrameSizeError, "SETTINGS payload not a multiple of 6")
	}

	for len(payload) > 0 {
		id := uint16(payload[0])<<8 | uint16(payload[1])
		value := http2utils.BytesToUint32(payload[2:6])
		payload = payload[6:]

		switch id {
		case settingHeaderTableSize:
			st.SetHeaderTableSize(value)
		case settingEnablePush:
			st.SetPush(value != 0)
		case settingMaxConcurrentStreams:
			st.SetMaxConcurrentStreams(value)
		case settingInitialWindowSize:
			if value > maxWindowSize {
				return NewError(FlowControlError, "SETTINGS_INITIAL_WINDOW_SIZE overflow")
			}
			st.SetInitialWindowSize(value)
		case settingMaxFrameSize:
			if value < defaultMaxFrameSize || value > maxFrameSize {
				return NewError(ProtocolError, "SETTINGS_MAX_FRAME_SIZE out of range")
			}
			st.maxFrameSize = value
			st.hasMaxFrameSize = true
		case settingMaxHeaderListSize:
			st.SetMaxHeaderListSize(value)
		}
	}

	return nil
}

// Serialize encodes the parameters that were explicitly set, matching
// RFC 7540's "each endpoint... advertises initial values" model rather
// than always sending all six. ENABLE_PUSH is the exception: it is always
// included, carrying the current push setting.
func (st *Settings) Serialize(fr *FrameHeader) {
	if st.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
		fr.setPayload(nil)
		return
	}

	payload := make([]byte, 0, 36)
	payload = appendSetting(payload, settingHeaderTableSize, st.headerTableSize, st.hasHeaderTableSize)
	payload = appendSetting(payload, settingEnablePush, boolToUint32(!st.disablePush), true)
	payload = appendSetting(payload, settingMaxConcurrentStreams, st.maxConcurrentStreams, st.hasMaxConcurrentStreams)
	payload = appendSetting(payload, settingInitialWindowSize, st.initialWindowSize, st.hasInitialWindowSize)
	payload = appendSetting(payload, settingMaxFrameSize, st.maxFrameSize, st.hasMaxFrameSize)
	payload = appendSetting(payload, settingMaxHeaderListSize, st.maxHeaderListSize, st.hasMaxHeaderListSize)

	fr.setPayload(payload)
}

func appendSetting(dst []byte, id uint16, value uint32, has bool) []byte {
	if !has {
		return dst
	}
	dst = append(dst, byte(id>>8), byte(id))
	return http2utils.AppendUint32Bytes(dst, value)
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
