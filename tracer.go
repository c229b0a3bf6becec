package relay

import (
	"encoding/json"
	"io"
	"os"
	"sync"
)

// JSONTracer is a tracer that writes events to a file, encoded in ndjson.
type JSONTracer struct {
	w    io.WriteCloser
	ch   chan struct{}
	done chan struct{}
	mx   sync.Mutex
	buf  []*TraceEvent
}

var _ EventTracer = (*JSONTracer)(nil)

// NewJSONTracer creates a new JSON tracer writing to file.
func NewJSONTracer(file string) (*JSONTracer, error) {
	return OpenJSONTracer(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

// OpenJSONTracer creates a new JSON tracer, with explicit control of OpenFile flags and permissions.
func OpenJSONTracer(file string, flags int, perm os.FileMode) (*JSONTracer, error) {
	f, err := os.OpenFile(file, flags, perm)
	if err != nil {
		return nil, err
	}

	return NewJSONTracerWriter(f), nil
}

// NewJSONTracerWriter creates a JSON tracer writing to w. Close closes w.
func NewJSONTracerWriter(w io.WriteCloser) *JSONTracer {
	tr := &JSONTracer{w: w, ch: make(chan struct{}, 1), done: make(chan struct{})}
	go tr.doWrite()
	return tr
}

func (t *JSONTracer) Trace(evt *TraceEvent) {
	t.mx.Lock()
	t.buf = append(t.buf, evt)
	t.mx.Unlock()

	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// Close flushes pending events and closes the underlying writer.
func (t *JSONTracer) Close() {
	close(t.ch)
	<-t.done
}

func (t *JSONTracer) doWrite() {
	defer close(t.done)

	var buf []*TraceEvent
	enc := json.NewEncoder(t.w)
	for {
		_, ok := <-t.ch

		t.mx.Lock()
		tmp := t.buf
		t.buf = buf[:0]
		buf = tmp
		t.mx.Unlock()

		for i, evt := range buf {
			err := enc.Encode(evt)
			if err != nil {
				log.Errorf("error writing event trace: %s", err.Error())
			}
			buf[i] = nil
		}

		if !ok {
			t.w.Close()
			return
		}
	}
}
