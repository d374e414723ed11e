// Package stdio provides newline-delimited message framing over a reader/writer pair,
// used to talk to capability provider subprocesses over their stdin and stdout.
package stdio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("transport is closed")

// maxLineSize bounds a single buffered message line.
const maxLineSize = 16 * 1024 * 1024

// Transport frames messages as single lines. Each line read is one complete
// message; a partial line stays buffered until its newline arrives.
type Transport struct {
	reader     *bufio.Reader
	writer     io.Writer
	writeMutex sync.Mutex
	logger     *slog.Logger

	closed     bool
	closeMutex sync.Mutex

	// Original streams, closed on Close when they implement io.Closer.
	rawReader io.Reader
	rawWriter io.Writer
}

// New creates a Transport reading messages from r and writing them to w.
func New(r io.Reader, w io.Writer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		reader:    bufio.NewReaderSize(r, 64*1024),
		writer:    w,
		logger:    logger,
		rawReader: r,
		rawWriter: w,
	}
}

// Send writes one message followed by exactly one newline.
// Concurrent Send calls are serialised so lines never interleave.
func (t *Transport) Send(data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if len(data) == 0 {
		return fmt.Errorf("cannot send empty message")
	}

	data = bytes.TrimRight(data, "\n")
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	if _, err := t.writer.Write(line); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || strings.Contains(err.Error(), "pipe closed") ||
			strings.Contains(err.Error(), "file already closed") {
			t.logger.Warn("write to closed pipe", "error", err)
			return ErrClosed
		}
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Receive blocks until the next non-empty line is available and returns it
// without its trailing newline. At end of stream a final unterminated line is
// returned once; subsequent calls return io.EOF.
func (t *Transport) Receive() ([]byte, error) {
	for {
		line, err := t.readLine()
		if err != nil {
			if partial := bytes.TrimSpace(line); len(partial) > 0 && errors.Is(err, io.EOF) {
				t.logger.Warn("stream ended with a partial line")
				return partial, nil
			}
			if t.isClosed() {
				return nil, ErrClosed
			}
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// readLine accumulates bytes up to and including the next newline.
func (t *Transport) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := t.reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineSize {
			return nil, fmt.Errorf("message line exceeds %d bytes", maxLineSize)
		}
		if err == nil {
			return bytes.TrimRight(buf, "\r\n"), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
}

// Close closes the underlying streams if they implement io.Closer.
// Closing the reader unblocks a pending Receive.
func (t *Transport) Close() error {
	t.closeMutex.Lock()
	if t.closed {
		t.closeMutex.Unlock()
		return nil
	}
	t.closed = true
	t.closeMutex.Unlock()

	var errs []error
	if closer, ok := t.rawWriter.(io.Closer); ok {
		if err := closer.Close(); err != nil && !isClosedPipe(err) {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	}
	if closer, ok := t.rawReader.(io.Closer); ok {
		if err := closer.Close(); err != nil && !isClosedPipe(err) {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	return errors.Join(errs...)
}

// IsClosed reports whether Close has been called.
func (t *Transport) IsClosed() bool {
	return t.isClosed()
}

func (t *Transport) isClosed() bool {
	t.closeMutex.Lock()
	defer t.closeMutex.Unlock()
	return t.closed
}

func isClosedPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || strings.Contains(err.Error(), "already closed")
}
