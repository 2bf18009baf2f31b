package hub

// deltaRing retains the most recent deltas of a session in version order.
// It bounds replay cost: reconnects inside the retained window replay the
// gap, everything older falls back to a full snapshot.
type deltaRing struct {
	buf  []Delta
	size int
}

func newDeltaRing(size int) *deltaRing {
	if size < 1 {
		size = 1
	}
	return &deltaRing{buf: make([]Delta, 0, size), size: size}
}

func (r *deltaRing) append(delta Delta) {
	if len(r.buf) == r.size {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:r.size-1]
	}
	r.buf = append(r.buf, delta)
}

// since returns all retained deltas with ToVersion greater than version, in
// order. ok is false when the requested gap is no longer covered by the
// ring and the caller must fall back to a full snapshot.
func (r *deltaRing) since(version, current uint64) ([]Delta, bool) {
	if version == current {
		return nil, true
	}
	if version > current {
		return nil, false
	}
	for i, delta := range r.buf {
		if delta.FromVersion == version {
			out := make([]Delta, len(r.buf)-i)
			copy(out, r.buf[i:])
			return out, true
		}
	}
	return nil, false
}
