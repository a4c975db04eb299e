// Package trace captures bus traffic as a stream of CBOR records, one per
// frame, for offline analysis.
package trace

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/edgecan/isotpbridge/canbus"
)

// Record is one captured frame.
type Record struct {
	Time time.Time `cbor:"ts"`
	Dir  string    `cbor:"dir"`
	ID   uint32    `cbor:"id"`
	Ext  bool      `cbor:"ext,omitempty"`
	Data []byte    `cbor:"data"`
}

// Writer appends records to an underlying stream. It satisfies
// canbus.Tracer and is safe for use from the reader and writer goroutines
// of a channel. Encoding failures are logged and never propagate into the
// frame path.
type Writer struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	log *slog.Logger
}

// NewWriter wraps w, usually an *os.File.
func NewWriter(w io.Writer, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{enc: cbor.NewEncoder(w), log: log}
}

// Trace records one frame.
func (w *Writer) Trace(dir canbus.Direction, frame canbus.Frame) {
	rec := Record{
		Time: time.Now(),
		Dir:  dir.String(),
		ID:   frame.ID,
		Ext:  frame.Extended,
		Data: frame.Data,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		w.log.Warn("[trace] encode failed", "err", err)
	}
}

// ReadAll decodes every record from r until end of stream.
func ReadAll(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var records []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, err
		}
		records = append(records, rec)
	}
}
