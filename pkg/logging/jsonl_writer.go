package logging

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/jingkaihe/stubnet/internal/errx"
)

// JSONLWriter writes one JSON object per event. It implements Sink.
//
// Lines are buffered and flushed after every event so a crashed run still
// leaves a readable file.
type JSONLWriter struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
	sync   func() error
}

// NewJSONLWriter appends events to the file at path, creating it if needed.
// The parent directory must already exist.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errx.Wrap(ErrCreateLogFile, err)
	}
	w := newJSONLWriter(f)
	w.closer = f
	w.sync = f.Sync
	return w, nil
}

// NewJSONLStream writes events to w. Close does not close w.
func NewJSONLStream(w io.Writer) *JSONLWriter {
	return newJSONLWriter(w)
}

func newJSONLWriter(w io.Writer) *JSONLWriter {
	buf := bufio.NewWriter(w)
	return &JSONLWriter{
		buf: buf,
		enc: json.NewEncoder(buf),
	}
}

// Write encodes event as a single line.
func (w *JSONLWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(event); err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	if err := w.buf.Flush(); err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	return nil
}

// Close flushes pending output and closes the file when the writer owns one.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return errx.Wrap(ErrCloseWriter, err)
	}
	if w.sync != nil {
		_ = w.sync()
	}
	if w.closer == nil {
		return nil
	}
	if err := w.closer.Close(); err != nil {
		return errx.Wrap(ErrCloseWriter, err)
	}
	return nil
}
