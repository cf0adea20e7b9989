package session

import "github.com/DoyleJ11/tabletop-sessions/pkg/types"

// eventLog keeps the most recent events in a fixed-size ring.
type eventLog struct {
	buf   []types.ServerMessage
	size  int
	start int
}

func newEventLog(size int) *eventLog {
	return &eventLog{size: size}
}

func (l *eventLog) append(m types.ServerMessage) {
	if len(l.buf) < l.size {
		l.buf = append(l.buf, m)
		return
	}
	l.buf[l.start] = m
	l.start = (l.start + 1) % l.size
}

func (l *eventLog) len() int { return len(l.buf) }

// oldest returns the first retained event. ok is false when the log is empty.
func (l *eventLog) oldest() (m types.ServerMessage, ok bool) {
	if len(l.buf) == 0 {
		return m, false
	}
	return l.buf[l.start], true
}

// since calls fn for every retained event with seq greater than after, in
// order.
func (l *eventLog) since(after uint64, fn func(types.ServerMessage)) {
	for i := range len(l.buf) {
		m := l.buf[(l.start+i)%len(l.buf)]
		if m.Seq > after {
			fn(m)
		}
	}
}
