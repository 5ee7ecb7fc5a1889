package rpc

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestWriteFrameAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	lw := newLineWriter(&buf)

	if err := lw.writeFrame(response{JSONRPC: "2.0", ID: "1", Result: map[string]any{"ok": true}}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	out := buf.String()
	if !strings.HasSuffix(out, "\n") || strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one newline-terminated frame, got %q", out)
	}
}

func TestWriteFrameFallbackOnMarshalFailure(t *testing.T) {
	var buf bytes.Buffer
	lw := newLineWriter(&buf)

	// Channels cannot be marshalled.
	if err := lw.writeFrame(map[string]any{"bad": make(chan int)}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(buf.Bytes(), &frame); err != nil {
		t.Fatalf("fallback frame not valid JSON: %v", err)
	}
	errObj := frame["error"].(map[string]any)
	if int(errObj["code"].(float64)) != codeInternalError {
		t.Fatalf("expected -32603 fallback, got %v", frame)
	}
}

func TestWriteFrameNoInterleaving(t *testing.T) {
	var buf bytes.Buffer
	lw := newLineWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = lw.writeFrame(map[string]any{"n": n})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 50 {
		t.Fatalf("expected 50 frames, got %d", len(lines))
	}
	for _, line := range lines {
		var frame map[string]any
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			t.Fatalf("interleaved frame %q: %v", line, err)
		}
	}
}
