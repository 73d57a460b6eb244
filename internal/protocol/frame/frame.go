package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

const (
	SizeDelim    = "$$"
	SubjectDelim = "##"

	// ChunkSize is the read granularity used while the header is unresolved.
	// Once the length is known the rest of the frame is read in one call.
	ChunkSize = 6
)

var (
	ErrMalformedHeader = errors.New("frame: malformed header")
	ErrHeaderTooLarge  = errors.New("frame: header too large")
	ErrFrameTooLarge   = errors.New("frame: frame too large")
	ErrTruncated       = errors.New("frame: truncated frame")
	ErrInvalidSubject  = errors.New("frame: invalid subject")
)

// Frame is one complete wire message.
type Frame struct {
	Subject string
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxHeaderBytes int
	MaxFrameBytes  int
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: 64 * 1024,
		MaxFrameBytes:  8 * 1024 * 1024,
	}
}

// ValidateSubject rejects subjects the header parser cannot recover intact.
// The subject delimiter has no escaping, so a subject carrying it would be
// cut at the first occurrence on the receiving side.
func ValidateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidSubject)
	}
	if strings.Contains(subject, SubjectDelim) {
		return fmt.Errorf("%w: subject contains %q", ErrInvalidSubject, SubjectDelim)
	}
	return nil
}

// DeclaredLength computes the length prefix written for a subject/payload pair.
func DeclaredLength(subjectLen, payloadLen int) int {
	partial := payloadLen + subjectLen + len(SizeDelim) + len(SubjectDelim)
	return partial + digitCount(partial)
}

// Encode renders `<length>$$<subject>##<payload>`.
func Encode(subject string, payload []byte) []byte {
	prefix := strconv.Itoa(DeclaredLength(len(subject), len(payload)))
	out := make([]byte, 0, len(prefix)+len(SizeDelim)+len(subject)+len(SubjectDelim)+len(payload))
	out = append(out, prefix...)
	out = append(out, SizeDelim...)
	out = append(out, subject...)
	out = append(out, SubjectDelim...)
	out = append(out, payload...)
	return out
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if err := ValidateSubject(f.Subject); err != nil {
		return err
	}
	buf := Encode(f.Subject, f.Payload)
	if limits.MaxFrameBytes > 0 && len(buf) > limits.MaxFrameBytes {
		return ErrFrameTooLarge
	}
	_, err := w.Write(buf)
	return err
}

// ReadFrame decodes a single frame from r. Bytes read past the end of the
// frame are discarded, so use a Decoder when more than one frame shares r.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	return NewDecoder(r, limits).ReadFrame()
}

// Decoder reads consecutive frames from one stream, carrying over any bytes
// read beyond the end of the previous frame.
type Decoder struct {
	r      io.Reader
	limits Limits
	buf    []byte
	chunk  [ChunkSize]byte
}

func NewDecoder(r io.Reader, limits Limits) *Decoder {
	return &Decoder{r: r, limits: limits}
}

// Buffered returns how many bytes are held for the next frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// ReadFrame blocks until one full frame is buffered. A stream that closes
// before any byte of a frame arrives yields io.EOF.
func (d *Decoder) ReadFrame() (Frame, error) {
	subject := ""
	total := -1
	headerEnd := -1
	var readErr error

	for {
		if total < 0 {
			idx := bytes.Index(d.buf, []byte(SubjectDelim))
			switch {
			case idx >= 0:
				var err error
				subject, total, err = parseHeader(d.buf[:idx])
				if err != nil {
					return Frame{}, err
				}
				headerEnd = idx + len(SubjectDelim)
				if total < headerEnd {
					return Frame{}, fmt.Errorf("%w: length %d shorter than header", ErrMalformedHeader, total)
				}
				if d.limits.MaxFrameBytes > 0 && total > d.limits.MaxFrameBytes {
					return Frame{}, ErrFrameTooLarge
				}
			case d.limits.MaxHeaderBytes > 0 && len(d.buf) > d.limits.MaxHeaderBytes:
				return Frame{}, ErrHeaderTooLarge
			}
		}

		if total >= 0 && len(d.buf) >= total {
			payload := make([]byte, total-headerEnd)
			copy(payload, d.buf[headerEnd:total])
			d.buf = append(d.buf[:0], d.buf[total:]...)
			return Frame{Subject: subject, Payload: payload}, nil
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if len(d.buf) == 0 {
					return Frame{}, io.EOF
				}
				return Frame{}, fmt.Errorf("%w: %d bytes buffered", ErrTruncated, len(d.buf))
			}
			return Frame{}, readErr
		}

		if total >= 0 {
			readErr = d.fill(total)
			continue
		}
		n, err := d.r.Read(d.chunk[:])
		d.buf = append(d.buf, d.chunk[:n]...)
		readErr = err
	}
}

// fill reads until the buffer holds total bytes. A short stream reports
// io.EOF so the caller classifies it as truncation.
func (d *Decoder) fill(total int) error {
	have := len(d.buf)
	d.buf = slices.Grow(d.buf, total-have)[:total]
	n, err := io.ReadFull(d.r, d.buf[have:])
	d.buf = d.buf[:have+n]
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

func parseHeader(header []byte) (string, int, error) {
	sizeRaw, subject, ok := bytes.Cut(header, []byte(SizeDelim))
	if !ok {
		return "", 0, fmt.Errorf("%w: missing size delimiter", ErrMalformedHeader)
	}
	if len(sizeRaw) == 0 || sizeRaw[0] == '0' {
		return "", 0, fmt.Errorf("%w: invalid size %q", ErrMalformedHeader, sizeRaw)
	}
	for _, c := range sizeRaw {
		if c < '0' || c > '9' {
			return "", 0, fmt.Errorf("%w: invalid size %q", ErrMalformedHeader, sizeRaw)
		}
	}
	declared, err := strconv.Atoi(string(sizeRaw))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	total, ok := wireLength(declared, len(sizeRaw))
	if !ok {
		return "", 0, fmt.Errorf("%w: inconsistent size %d", ErrMalformedHeader, declared)
	}
	return string(subject), total, nil
}

// wireLength recovers the real byte count of a frame from its declared
// length. The encoder adds the digit count of the partial sum, which is one
// short whenever adding it rolls over into another digit (partial 9, 98,
// 997, ...). The partial sum is the unique p with p+digitCount(p) == declared.
func wireLength(declared, digits int) (int, bool) {
	for k := 1; k <= digits; k++ {
		partial := declared - k
		if partial >= 0 && digitCount(partial) == k {
			return partial + digits, true
		}
	}
	return 0, false
}

func digitCount(n int) int {
	if n < 0 {
		n = -n
	}
	count := 1
	for n >= 10 {
		n /= 10
		count++
	}
	return count
}
