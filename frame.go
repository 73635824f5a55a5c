package http2

// FrameType identifies the kind of an HTTP/2 frame.
//
// http://httpwg.org/specs/rfc7540.html#FrameTypes
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameResetStream  FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9

	minFrameType FrameType = FrameData
	maxFrameType FrameType = FrameContinuation
)

func (ft FrameType) String() string {
	switch ft {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FramePriority:
		return "PRIORITY"
	case FrameResetStream:
		return "RST_STREAM"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FramePing:
		return "PING"
	case FrameGoAway:
		return "GOAWAY"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameContinuation:
		return "CONTINUATION"
	default:
		return "UNKNOWN"
	}
}

// FrameFlags is the 8-bit flags field carried on every frame header.
//
// Flag bits are only meaningful in combination with a FrameType; callers
// are expected to know which flags apply to the frame they're holding.
type FrameFlags uint8

const (
	FlagAck        FrameFlags = 0x1
	FlagEndStream  FrameFlags = 0x1
	FlagEndHeaders FrameFlags = 0x4
	FlagPadded     FrameFlags = 0x8
	FlagPriority   FrameFlags = 0x20
)

// Has reports whether all bits of f are set.
func (flags FrameFlags) Has(f FrameFlags) bool {
	return flags&f == f
}

// Add returns flags with f set.
func (flags FrameFlags) Add(f FrameFlags) FrameFlags {
	return flags | f
}

// Del returns flags with f cleared.
func (flags FrameFlags) Del(f FrameFlags) FrameFlags {
	return flags &^ f
}

// Frame is the payload-level behavior every frame type implements on top
// of the shared FrameHeader. A Frame instance is only valid while paired
// with the FrameHeader that owns it and must not be used concurrently.
type Frame interface {
	// Type returns the wire frame type this implementation decodes/encodes.
	Type() FrameType

	// Reset returns the frame to its zero value so it can be pooled.
	Reset()

	// Deserialize parses fr.payload (already read off the wire by
	// FrameHeader) into the frame's fields, validating against fr.Flags()
	// and fr.Stream() where the RFC requires it.
	Deserialize(fr *FrameHeader) error

	// Serialize writes the frame's fields into fr, setting flags/length as
	// a side effect so FrameHeader.WriteTo can emit the wire header.
	Serialize(fr *FrameHeader)
}

// AcquireFrame returns a pooled Frame implementation for kind. The
// returned value must be released with ReleaseFrame once it is no longer
// referenced by any FrameHeader.
func AcquireFrame(kind FrameType) Frame {
	switch kind {
	case FrameData:
		return acquireData()
	case FrameHeaders:
		return acquireHeaders()
	case FramePriority:
		return acquirePriority()
	case FrameResetStream:
		return acquireRstStream()
	case FrameSettings:
		return acquireSettings()
	case FramePushPromise:
		return acquirePushPromise()
	case FramePing:
		return acquirePing()
	case FrameGoAway:
		return acquireGoAway()
	case FrameWindowUpdate:
		return acquireWindowUpdate()
	case FrameContinuation:
		return acquireContinuation()
	default:
		return nil
	}
}

// ReleaseFrame resets fr and returns it to its type-specific pool. No-op
// if fr is nil or of an unrecognized concrete type.
func ReleaseFrame(fr Frame) {
	if fr == nil {
		return
	}
	switch f := fr.(type) {
	case *Data:
		releaseData(f)
	case *Headers:
		releaseHeaders(f)
	case *Priority:
		releasePriority(f)
	case *RstStream:
		releaseRstStream(f)
	case *Settings:
		releaseSettings(f)
	case *PushPromise:
		releasePushPromise(f)
	case *Ping:
		releasePing(f)
	case *GoAway:
		releaseGoAway(f)
	case *WindowUpdate:
		releaseWindowUpdate(f)
	case *Continuation:
		releaseContinuation(f)
	}
}

func isKnownFrameType(t FrameType) bool {
	return t >= minFrameType && t <= maxFrameType
}
