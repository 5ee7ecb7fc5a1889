package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// fallbackFrame is emitted when marshalling a payload fails, so the peer can
// still advance past the broken frame.
const fallbackFrame = `{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`

// lineWriter serialises frame writes from the dispatcher and all
// subscription workers onto one output stream. Each frame is exactly one
// JSON object followed by a newline.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

func (lw *lineWriter) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fallbackFrame)
	}
	data = append(data, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
