package worker

// tailBuffer keeps the last limit bytes written through it. The command's
// stderr is teed into one so error reports carry a bounded excerpt instead
// of an unbounded stream. Reads happen after Wait returns, when the writing
// side is finished.
type tailBuffer struct {
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return len(p), nil
	}
	t.buf = append(t.buf, p...)
	if overflow := len(t.buf) - t.limit; overflow > 0 {
		t.buf = append(t.buf[:0], t.buf[overflow:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
