// Package boxstream implements the box-stream framed AEAD codec used to
// carry application bytes once a handshake has produced a HandshakeKeys.
// Each frame is sealed as two separate secretbox messages: a fixed
// 34-byte header (carrying the body's length and its detached
// authentication tag) followed by the body ciphertext itself. An
// all-zero header plaintext signals a clean goodbye.
package boxstream

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"scuttlechat/internal/noncegen"
)

// MaxBodySize is the largest plaintext body a single frame may carry.
const MaxBodySize = 4096

const (
	keySize = 32

	headerPlainSize = 2 + secretbox.Overhead // u16_be(len) || body tag
	headerCryptSize = headerPlainSize + secretbox.Overhead
)

var (
	// ErrHeaderOpenFailed is returned when a frame's header fails
	// authentication: wrong key, corrupted wire data, or a replayed/
	// reordered nonce.
	ErrHeaderOpenFailed = errors.New("boxstream: header open failed")
	// ErrBodyOpenFailed is returned when a frame's body fails
	// authentication after its header was accepted.
	ErrBodyOpenFailed = errors.New("boxstream: body open failed")
	// ErrFrameTooLarge is returned when a header advertises a body
	// length greater than MaxBodySize.
	ErrFrameTooLarge = errors.New("boxstream: frame exceeds max body size")
)

// Writer seals plaintext into box-stream frames and writes them to an
// underlying io.Writer. Not safe for concurrent use by multiple
// goroutines; callers serialize writes the same way the teacher's
// writer goroutine does (internal/peerconn owns the single writer).
type Writer struct {
	w     io.Writer
	key   [keySize]byte
	nonce *noncegen.Generator
}

// NewWriter returns a Writer sealing frames with key, drawing nonces
// from nonce starting at its current position.
func NewWriter(w io.Writer, key [keySize]byte, nonce *noncegen.Generator) *Writer {
	return &Writer{w: w, key: key, nonce: nonce}
}

// WriteFrame seals and writes one frame carrying body. len(body) must
// not exceed MaxBodySize.
func (w *Writer) WriteFrame(body []byte) error {
	if len(body) > MaxBodySize {
		return fmt.Errorf("boxstream: write frame of %d bytes: %w", len(body), ErrFrameTooLarge)
	}

	headerNonce := w.nonce.Next()
	bodyNonce := w.nonce.Next()

	bodySealed := secretbox.Seal(nil, body, &bodyNonce, &w.key)
	bodyTag := bodySealed[:secretbox.Overhead]
	bodyCipher := bodySealed[secretbox.Overhead:]

	var headerPlain [headerPlainSize]byte
	headerPlain[0] = byte(len(body) >> 8)
	headerPlain[1] = byte(len(body))
	copy(headerPlain[2:], bodyTag)

	headerSealed := secretbox.Seal(nil, headerPlain[:], &headerNonce, &w.key)

	if _, err := w.w.Write(headerSealed); err != nil {
		return fmt.Errorf("boxstream: write header: %w", err)
	}
	if len(bodyCipher) > 0 {
		if _, err := w.w.Write(bodyCipher); err != nil {
			return fmt.Errorf("boxstream: write body: %w", err)
		}
	}
	return nil
}

// WriteGoodbye writes the all-zero sentinel frame that signals a clean
// shutdown of this direction of the stream.
func (w *Writer) WriteGoodbye() error {
	headerNonce := w.nonce.Next()
	var zero [headerPlainSize]byte
	headerSealed := secretbox.Seal(nil, zero[:], &headerNonce, &w.key)
	if _, err := w.w.Write(headerSealed); err != nil {
		return fmt.Errorf("boxstream: write goodbye: %w", err)
	}
	return nil
}

// Reader reads and opens box-stream frames from an underlying
// io.Reader. Not safe for concurrent use; one reader goroutine per
// connection owns it.
type Reader struct {
	r     io.Reader
	key   [keySize]byte
	nonce *noncegen.Generator
}

// NewReader returns a Reader opening frames with key, drawing nonces
// from nonce starting at its current position.
func NewReader(r io.Reader, key [keySize]byte, nonce *noncegen.Generator) *Reader {
	return &Reader{r: r, key: key, nonce: nonce}
}

// ReadFrame reads one frame and returns its plaintext body. It returns
// io.EOF when the peer sends the goodbye sentinel.
func (r *Reader) ReadFrame() ([]byte, error) {
	var headerCipher [headerCryptSize]byte
	if _, err := io.ReadFull(r.r, headerCipher[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("boxstream: read header: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}

	headerNonce := r.nonce.Next()
	headerPlain, ok := secretbox.Open(nil, headerCipher[:], &headerNonce, &r.key)
	if !ok {
		return nil, ErrHeaderOpenFailed
	}

	if isZero(headerPlain) {
		return nil, io.EOF
	}

	bodyLen := int(headerPlain[0])<<8 | int(headerPlain[1])
	if bodyLen > MaxBodySize {
		return nil, fmt.Errorf("boxstream: header claims %d bytes: %w", bodyLen, ErrFrameTooLarge)
	}
	bodyTag := headerPlain[2:]

	bodyCipher := make([]byte, bodyLen)
	if _, err := io.ReadFull(r.r, bodyCipher); err != nil {
		return nil, fmt.Errorf("boxstream: read body: %w", err)
	}

	bodySealed := make([]byte, 0, secretbox.Overhead+bodyLen)
	bodySealed = append(bodySealed, bodyTag...)
	bodySealed = append(bodySealed, bodyCipher...)

	bodyNonce := r.nonce.Next()
	body, ok := secretbox.Open(nil, bodySealed, &bodyNonce, &r.key)
	if !ok {
		return nil, ErrBodyOpenFailed
	}
	return body, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
