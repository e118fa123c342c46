package backend

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/dabla/taskrunner/internal/comms"
)

// forwardLines calls fn for every line read from r until EOF. Whatever is
// left after an overlong line is discarded so the writer never blocks.
func forwardLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), comms.MaxMessageSize)
	for sc.Scan() {
		if fn != nil {
			fn(sc.Text())
		}
	}
	io.Copy(io.Discard, r)
}

// lineWriter splits everything written to it into lines for fn.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.fn(string(w.buf))
		w.buf = nil
	}
}
