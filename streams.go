package http2

import "sort"

// Streams is a connection's table of live streams, a plain slice kept
// sorted by ascending ID (new stream IDs only ever increase, so append
// preserves the order for free). The conn loop is the only goroutine
// that ever touches it, so no locking is needed.
type Streams []*Stream

// Search returns the stream with the given id, or nil.
func (strms Streams) Search(id uint32) *Stream {
	i := sort.Search(len(strms), func(i int) bool {
		return strms[i].id >= id
	})
	if i < len(strms) && strms[i].id == id {
		return strms[i]
	}
	return nil
}

// Del removes and returns the stream with the given id, or nil if it
// isn't present.
func (strms *Streams) Del(id uint32) *Stream {
	list := *strms
	i := sort.Search(len(list), func(i int) bool {
		return list[i].id >= id
	})
	if i < len(list) && list[i].id == id {
		strm := list[i]
		*strms = append(list[:i], list[i+1:]...)
		return strm
	}
	return nil
}

// GetFirstOf returns the lowest-ID stream whose origType matches t, or
// nil. Used to find the oldest still-pending request when arming the
// per-request timeout.
func (strms Streams) GetFirstOf(t FrameType) *Stream {
	for _, s := range strms {
		if s.origType == t {
			return s
		}
	}
	return nil
}

// getPrevious returns the second most recently opened stream whose
// origType matches t — i.e. excluding the one just created — so the
// conn loop can check that the previous request's header block finished
// before a new HEADERS frame is allowed to start one (RFC 7540 §6.2: no
// other frame may be interleaved inside a header block, and the decoder
// state is shared across the whole connection).
func (strms Streams) getPrevious(t FrameType) *Stream {
	var last, prev *Stream
	for _, s := range strms {
		if s.origType != t {
			continue
		}
		prev = last
		last = s
	}
	return prev
}
