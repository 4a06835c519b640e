package proc

// DefaultLogLimit is the default number of output bytes retained per process.
const DefaultLogLimit = 64 << 10

// OutputLog keeps the most recent output of a process for replay to clients
// that attach late. It survives restarts so history spans runs.
type OutputLog struct {
	buf   []byte
	limit int
	total uint64
}

func NewOutputLog(limit int) *OutputLog {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &OutputLog{limit: limit}
}

func (l *OutputLog) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	l.total += uint64(len(p))
	if len(p) >= l.limit {
		l.buf = append(l.buf[:0], p[len(p)-l.limit:]...)
		return
	}
	l.buf = append(l.buf, p...)
	if len(l.buf) > 2*l.limit {
		l.compact()
	}
}

func (l *OutputLog) compact() {
	n := copy(l.buf, l.buf[len(l.buf)-l.limit:])
	l.buf = l.buf[:n]
}

// Tail returns a copy of at most limit most recent bytes.
func (l *OutputLog) Tail() []byte {
	start := 0
	if len(l.buf) > l.limit {
		start = len(l.buf) - l.limit
	}
	return append([]byte(nil), l.buf[start:]...)
}

// Total is the number of bytes ever appended.
func (l *OutputLog) Total() uint64 { return l.total }
