package core

// streaming.go provides the decode stage that runs before tokenization.
//
// Data files are processed as streams so memory stays bounded by the current
// row, not the file size:
//
//   - BOMSkippingReader: removes one leading byte-order mark (EF BB BF)
//   - StrictUTF8Reader: fails with an EncodingError on the first invalid sequence
//   - CountingReader: tracks bytes consumed for metrics
//
// Use Decode to build the chain for a dialect encoding name.

import (
	"bufio"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

// DefaultEncoding is the dialect default: UTF-8 tolerating a leading BOM.
const DefaultEncoding = "utf-8"

var bom = []byte{0xEF, 0xBB, 0xBF}

// BOMSkippingReader wraps an io.Reader and drops a leading UTF-8 BOM if present.
type BOMSkippingReader struct {
	br      *bufio.Reader
	checked bool
}

// NewBOMSkippingReader creates a new BOM-skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{br: bufio.NewReader(r)}
}

// Read implements io.Reader. On the first read it checks for and skips the BOM.
func (r *BOMSkippingReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true
		head, err := r.br.Peek(len(bom))
		if err != nil && err != io.EOF {
			return 0, err
		}
		if len(head) == len(bom) && string(head) == string(bom) {
			if _, err := r.br.Discard(len(bom)); err != nil {
				return 0, err
			}
		}
	}
	return r.br.Read(p)
}

// StrictUTF8Reader passes through valid UTF-8 and reports the first invalid
// byte sequence as an *EncodingError. Multi-byte runes split across reads
// are carried over to the next call. Buffers shorter than utf8.UTFMax are
// rejected with io.ErrShortBuffer.
type StrictUTF8Reader struct {
	reader  io.Reader
	pending []byte
	offset  int64
	err     error
}

// NewStrictUTF8Reader creates a validating reader.
func NewStrictUTF8Reader(r io.Reader) *StrictUTF8Reader {
	return &StrictUTF8Reader{reader: r, pending: make([]byte, 0, utf8.UTFMax)}
}

// Read implements io.Reader.
func (s *StrictUTF8Reader) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if len(p) < utf8.UTFMax {
		return 0, io.ErrShortBuffer
	}

	offset := copy(p, s.pending)
	s.pending = s.pending[:0]

	n, err := s.reader.Read(p[offset:])
	n += offset
	if n == 0 {
		return 0, err
	}

	atEOF := err == io.EOF
	valid, bad := validPrefix(p[:n], atEOF)
	if bad {
		s.err = &EncodingError{Encoding: "utf-8", Offset: s.offset + int64(valid)}
		s.offset += int64(valid)
		return valid, s.err
	}
	if valid < n {
		s.pending = append(s.pending, p[valid:n]...)
	}
	s.offset += int64(valid)
	if atEOF {
		// Report EOF on the next call so the valid bytes are consumed first.
		return valid, nil
	}
	return valid, err
}

// validPrefix returns the length of the longest valid UTF-8 prefix of data.
// An incomplete rune at the end is not an error unless atEOF is set.
func validPrefix(data []byte, atEOF bool) (int, bool) {
	i := 0
	for i < len(data) {
		if data[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			if !atEOF && !utf8.FullRune(data[i:]) {
				return i, false
			}
			return i, true
		}
		i += size
	}
	return i, false
}

// CountingReader wraps an io.Reader to track bytes read.
type CountingReader struct {
	reader    io.Reader
	BytesRead int64
}

// NewCountingReader creates a counting reader.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{reader: r}
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

// NormalizeEncoding maps dialect encoding names onto canonical names.
// "UTF-8-BOM" and "utf-8-sig" are spellings of the BOM-tolerant default.
func NormalizeEncoding(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "utf-8", "utf8", "utf-8-bom", "utf-8-sig", "utf_8_sig":
		return DefaultEncoding
	}
	return n
}

// ValidEncoding reports whether name can be decoded.
func ValidEncoding(name string) bool {
	n := NormalizeEncoding(name)
	if n == DefaultEncoding {
		return true
	}
	_, err := htmlindex.Get(n)
	return err == nil
}

// Decode returns a reader producing UTF-8 text from r under the named encoding,
// with one leading BOM removed.
//
// The order matters:
//  1. Non-UTF-8 input is transcoded first
//  2. The BOM is stripped from the UTF-8 stream
//  3. UTF-8 validity is enforced last
func Decode(r io.Reader, encoding string) (io.Reader, error) {
	n := NormalizeEncoding(encoding)
	if n != DefaultEncoding {
		enc, err := htmlindex.Get(n)
		if err != nil {
			return nil, NewDialectError("encoding", "unsupported encoding %q", encoding)
		}
		r = enc.NewDecoder().Reader(r)
	}
	return NewStrictUTF8Reader(NewBOMSkippingReader(r)), nil
}

// Encode returns a writer that transcodes UTF-8 text written to it into the
// named encoding. For the default encoding w is returned unchanged.
func Encode(w io.Writer, encoding string) (io.Writer, error) {
	n := NormalizeEncoding(encoding)
	if n == DefaultEncoding {
		return w, nil
	}
	enc, err := htmlindex.Get(n)
	if err != nil {
		return nil, NewDialectError("encoding", "unsupported encoding %q", encoding)
	}
	return enc.NewEncoder().Writer(w), nil
}
