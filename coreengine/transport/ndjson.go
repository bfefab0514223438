// Package transport carries envelopes as newline-delimited JSON over plain
// byte streams: stdin/stdout for the CLI and streamed HTTP responses.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/runtime"
)

// MaxLineBytes bounds a single inbound envelope line.
const MaxLineBytes = 1 << 20

// Handler consumes inbound envelopes. Both *runtime.Session and
// *runtime.SessionManager satisfy it.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope, emit runtime.Emitter) error
}

// =============================================================================
// WRITER
// =============================================================================

// Writer encodes envelopes one per line. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer on w. If w has a Flush method (bufio.Writer,
// http.Flusher-style response writers) it is flushed after every line.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Emit writes env followed by a newline. It matches runtime.Emitter.
func (w *Writer) Emit(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	switch f := w.w.(type) {
	case interface{ Flush() error }:
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush envelope: %w", err)
		}
	case interface{ Flush() }:
		f.Flush()
	}
	return nil
}

// =============================================================================
// READER
// =============================================================================

// Reader decodes one envelope per line. Blank lines are skipped.
type Reader struct {
	scanner *bufio.Scanner
	line    int
	broken  bool
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Reader{scanner: scanner}
}

// Next returns the next envelope. It returns io.EOF at end of input. A line
// that does not decode returns an error wrapping envelope.ErrMalformedEnvelope
// and the reader stays usable.
func (r *Reader) Next() (*envelope.Envelope, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return envelope.Decode(line)
	}
	err := r.scanner.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case r.broken:
		return nil, fmt.Errorf("read line %d: %w", r.line+1, err)
	case errors.Is(err, bufio.ErrTooLong):
		// The scanner cannot resync after an oversize line; the caller
		// answers this one and stops.
		r.broken = true
		r.line++
		return nil, &envelope.MalformedEnvelopeError{
			Field: "$",
			Value: fmt.Sprintf("line %d", r.line),
			Cause: fmt.Errorf("line exceeds %d bytes: %w", MaxLineBytes, err),
		}
	default:
		return nil, fmt.Errorf("read line %d: %w", r.line+1, err)
	}
}

// Broken reports whether the last error ended the input. Nothing more can
// be read once it is true.
func (r *Reader) Broken() bool {
	return r.broken
}

// Line returns the number of lines consumed so far.
func (r *Reader) Line() int {
	return r.line
}

// =============================================================================
// SERVE
// =============================================================================

// Serve reads envelopes from r until EOF and hands each to h, writing every
// emitted envelope to w. Malformed lines are answered with a
// malformed_envelope error envelope addressed to sessionID. Serve returns nil
// at EOF and ctx.Err() on cancellation. A line too long to read is answered
// the same way, after which Serve returns its error; any other read or write
// error is returned as is.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler, sessionID string, logger agents.Logger) error {
	reader := NewReader(r)
	writer := NewWriter(w)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		env, err := reader.Next()
		if errors.Is(err, io.EOF) {
			logger.Debug("ndjson_input_closed", "lines", reader.Line())
			return nil
		}
		if err != nil {
			if !errors.Is(err, envelope.ErrMalformedEnvelope) {
				return err
			}
			logger.Warn("ndjson_line_rejected", "line", reader.Line(), "error", err.Error())
			reply, buildErr := envelope.NewError(envelope.Header{SessionID: sessionID}, err.Error(), envelope.CodeMalformedEnvelope, nil)
			if buildErr != nil {
				return buildErr
			}
			if err := writer.Emit(ctx, reply); err != nil {
				return err
			}
			if reader.Broken() {
				return err
			}
			continue
		}

		if err := h.Handle(ctx, env, writer.Emit); err != nil {
			return err
		}
	}
}
