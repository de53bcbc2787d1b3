// Package io reads SMTP command lines and DATA bodies off the wire.
package io

import (
	"bufio"
	"bytes"
	"errors"
)

var (
	ErrLineTooLong     = errors.New("smtp: line too long")
	ErrBadLineEnding   = errors.New("smtp: line not terminated by CRLF")
	ErrMessageTooLarge = errors.New("smtp: message exceeds maximum size")
)

// ReadLine reads one line of at most max bytes (terminator included) and
// returns it without its line ending. When strict is set the line must end
// in CRLF; otherwise a bare LF is accepted as well. An over-long line is
// consumed up to its newline before ErrLineTooLong is returned, so the next
// call starts on a fresh line. Read errors (EOF, timeouts) are returned as is.
func ReadLine(reader *bufio.Reader, max int, strict bool) (string, error) {
	b, err := readRaw(reader, max)
	if err != nil {
		return "", err
	}
	line, err := trimEnding(b, strict)
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// readRaw returns the raw bytes of the next line including its newline.
func readRaw(reader *bufio.Reader, max int) ([]byte, error) {
	// Fast path: the whole line fits in the bufio buffer.
	line, err := reader.ReadSlice('\n')
	if err == nil {
		if len(line) > max {
			return nil, ErrLineTooLong
		}
		return line, nil
	}
	if err != bufio.ErrBufferFull {
		return nil, err
	}

	// Slow path: accumulate chunks; the next ReadSlice overwrites line.
	buf := append([]byte(nil), line...)
	for {
		if len(buf) > max {
			drainLine(reader)
			return nil, ErrLineTooLong
		}
		line, err = reader.ReadSlice('\n')
		buf = append(buf, line...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
	if len(buf) > max {
		return nil, ErrLineTooLong
	}
	return buf, nil
}

// trimEnding strips CRLF (or LF when not strict).
func trimEnding(b []byte, strict bool) ([]byte, error) {
	n := len(b)
	if n >= 2 && b[n-2] == '\r' {
		return b[:n-2], nil
	}
	if strict {
		return nil, ErrBadLineEnding
	}
	return b[:n-1], nil
}

// isTerminator reports whether raw is the lone "." ending a DATA body,
// whatever its line ending.
func isTerminator(raw []byte) bool {
	return bytes.Equal(raw, []byte(".\r\n")) || bytes.Equal(raw, []byte(".\n"))
}

// drainLine discards the rest of the current line.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}

// ReadData reads a DATA body up to the terminating "." line, undoing dot
// stuffing and normalising line endings to CRLF. Lines longer than maxLine
// and bodies larger than maxSize (when positive) do not stop the read, nor
// do bare-LF lines when strict is set: the body is consumed to its end and
// ErrLineTooLong, ErrMessageTooLarge or ErrBadLineEnding is reported
// afterwards so the session stays in sync with the client. The terminating
// "." is recognized with either line ending.
func ReadData(reader *bufio.Reader, maxSize int64, maxLine int, strict bool) ([]byte, error) {
	var buf bytes.Buffer
	var size int64
	var failure error

	for {
		raw, err := readRaw(reader, maxLine)
		if err == ErrLineTooLong {
			if failure == nil {
				failure = ErrLineTooLong
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if isTerminator(raw) {
			break
		}
		line, err := trimEnding(raw, strict)
		if err != nil {
			if failure == nil {
				failure = err
			}
			continue
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}

		size += int64(len(line)) + 2
		if maxSize > 0 && size > maxSize {
			if failure == nil {
				failure = ErrMessageTooLarge
			}
			buf.Reset()
			continue
		}
		if failure == nil {
			buf.Write(line)
			buf.WriteString("\r\n")
		}
	}

	if failure != nil {
		return nil, failure
	}
	return buf.Bytes(), nil
}
