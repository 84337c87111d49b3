package snapshot

// reader.go provides the streaming snapshot reader.
//
// Snapshot files are read one line at a time without loading the file into
// memory. Two io.Reader wrappers sit under the line reader:
//
//   - BOMSkippingReader: Removes a UTF-8 BOM left by editors on Windows
//   - CountingReader: Tracks bytes read for progress reporting

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrTruncatedRecord is returned for a final line that has no terminating
// newline and does not decode. The file was cut short; readers treat it as
// end of stream.
var ErrTruncatedRecord = errors.New("truncated snapshot record")

// BOMSkippingReader wraps an io.Reader and skips the UTF-8 BOM if present.
type BOMSkippingReader struct {
	reader     io.Reader
	bomChecked bool
	buf        [3]byte
	pending    []byte
}

// NewBOMSkippingReader creates a new BOM-skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{reader: r}
}

// Read implements io.Reader. On the first read, it checks for and skips the BOM.
func (r *BOMSkippingReader) Read(p []byte) (int, error) {
	if !r.bomChecked {
		r.bomChecked = true

		n, err := io.ReadFull(r.reader, r.buf[:])
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		if n == 3 && r.buf[0] == 0xEF && r.buf[1] == 0xBB && r.buf[2] == 0xBF {
			r.pending = nil
		} else {
			r.pending = r.buf[:n]
		}
		if len(r.pending) == 0 && err == io.EOF {
			return 0, io.EOF
		}
	}

	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}

	return r.reader.Read(p)
}

// CountingReader wraps an io.Reader to track bytes read.
type CountingReader struct {
	reader    io.Reader
	BytesRead int64
	Total     int64 // 0 if unknown
}

// NewCountingReader creates a counting reader with optional total size.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{reader: r, Total: total}
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

// Progress returns the read progress as a percentage (0-100).
// Returns 0 if total is unknown.
func (r *CountingReader) Progress() int {
	if r.Total <= 0 {
		return 0
	}
	return int(r.BytesRead * 100 / r.Total)
}

// Reader reads a snapshot file record by record.
type Reader struct {
	counter *CountingReader
	br      *bufio.Reader
	eof     bool
}

// NewReader wraps r. size is the total byte size if known, for progress.
func NewReader(r io.Reader, size int64) *Reader {
	counter := NewCountingReader(NewBOMSkippingReader(r), size)
	return &Reader{
		counter: counter,
		br:      bufio.NewReaderSize(counter, 64*1024),
	}
}

// BytesRead returns how many bytes have been consumed from the source.
func (r *Reader) BytesRead() int64 { return r.counter.BytesRead }

// Progress returns the read progress as a percentage, 0 if the size is unknown.
func (r *Reader) Progress() int { return r.counter.Progress() }

// ReadHeader reads the header line, skipping leading blank lines.
func (r *Reader) ReadHeader() (Header, error) {
	line, _, err := r.nextLine()
	if err == io.EOF {
		return Header{}, ErrMissingHeader
	}
	if err != nil {
		return Header{}, err
	}
	return DecodeHeader(line)
}

// Next decodes the next data record. It returns io.EOF at end of stream,
// an error wrapping ErrMalformedRecord for an undecodable line (the reader
// stays usable), and ErrTruncatedRecord for an undecodable final fragment.
func (r *Reader) Next() (Record, error) {
	line, terminated, err := r.nextLine()
	if err != nil {
		return Record{}, err
	}
	rec, err := Decode(line)
	if err != nil && !terminated {
		return Record{}, ErrTruncatedRecord
	}
	return rec, err
}

// Skip discards up to n data records without decoding them and returns how
// many were discarded.
func (r *Reader) Skip(n int) (int, error) {
	skipped := 0
	for skipped < n {
		_, _, err := r.nextLine()
		if err == io.EOF {
			return skipped, nil
		}
		if err != nil {
			return skipped, err
		}
		skipped++
	}
	return skipped, nil
}

// nextLine returns the next non-blank line and whether it ended in a newline.
func (r *Reader) nextLine() ([]byte, bool, error) {
	for {
		if r.eof {
			return nil, false, io.EOF
		}
		line, err := r.br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, false, err
		}
		terminated := err == nil
		if err == io.EOF {
			r.eof = true
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		return trimmed, terminated, nil
	}
}
