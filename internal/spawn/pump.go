package spawn

import (
	"bufio"
	"bytes"
	"io"
	"time"
	"unicode/utf8"

	"github.com/nixpig/shellcompose/internal/logbuf"
)

// MaxLineLen is the hard cap on a single log entry payload. Longer lines
// are split into multiple entries at this boundary.
const MaxLineLen = 8192

// Pump reads line-delimited output from r, tags each line with the job id
// and stream, and appends it to buf with the current UTC time. On EOF (or
// any read error) it closes r and calls closed, which the supervisor uses
// as the stream-closed sentinel. Run it in its own goroutine, one per
// stream.
func Pump(jobID uint64, stream string, r io.ReadCloser, buf *logbuf.Buffer, closed func()) {
	defer func() {
		r.Close()

		if closed != nil {
			closed()
		}
	}()

	reader := bufio.NewReaderSize(r, MaxLineLen)

	var partial []byte

	for {
		chunk, err := reader.ReadSlice('\n')
		partial = append(partial, chunk...)

		switch {
		case err == nil:
			emitLine(jobID, stream, partial, buf)
			partial = partial[:0]

		case err == bufio.ErrBufferFull:
			// Line longer than the cap: split at the boundary.
			emitLine(jobID, stream, partial, buf)
			partial = partial[:0]

		default:
			if len(partial) > 0 {
				emitLine(jobID, stream, partial, buf)
			}

			return
		}
	}
}

func emitLine(jobID uint64, stream string, raw []byte, buf *logbuf.Buffer) {
	line := bytes.TrimRight(raw, "\r\n")
	buf.Append(jobID, stream, sanitize(line), time.Now())
}

// sanitize replaces each invalid UTF-8 byte with the Unicode replacement
// character, one replacement per byte so offsets within the line are
// preserved.
func sanitize(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}

	var out bytes.Buffer
	out.Grow(len(b))

	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			out.WriteRune(utf8.RuneError)
		} else {
			out.Write(b[:size])
		}

		b = b[size:]
	}

	return out.String()
}
