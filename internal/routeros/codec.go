package routeros

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
)

// Length prefix ranges supported by the codec.
//
// The appliance protocol defines longer prefixes (3 to 5 bytes) for words of
// 16 KiB and more. They are not implemented: commands and replies exchanged
// by this service stay well below the two-byte ceiling, and anything longer
// is rejected with ErrProtocol rather than silently mis-framed.
const (
	// oneByteLimit is the first length that needs a two-byte prefix.
	oneByteLimit = 0x80

	// twoByteLimit is the first length the codec cannot encode.
	twoByteLimit = 0x4000

	// MaxWordLength is the longest word the codec accepts (16383 bytes).
	MaxWordLength = twoByteLimit - 1

	// twoByteMarker flags the first byte of a two-byte prefix.
	twoByteMarker = 0x80

	// prefixMask selects the prefix-kind bits of the first byte.
	prefixMask = 0xC0
)

// EncodeLength encodes a word length prefix.
//
// Lengths below 0x80 use one byte. Lengths below 0x4000 use two bytes with
// the high bit of the first byte set. Larger lengths fail with ErrProtocol.
func EncodeLength(n int) ([]byte, error) {
	switch {
	case n < 0:
		return nil, fmt.Errorf("%w: negative length %d", ErrProtocol, n)
	case n < oneByteLimit:
		return []byte{byte(n)}, nil
	case n < twoByteLimit:
		return []byte{byte(n>>8) | twoByteMarker, byte(n & 0xFF)}, nil
	default:
		return nil, fmt.Errorf("%w: length too large (%d > %d)", ErrProtocol, n, MaxWordLength)
	}
}

// DecodeLength decodes a length prefix from the start of b.
// It returns the decoded length and the number of prefix bytes consumed.
func DecodeLength(b []byte) (n, size int, err error) {
	if len(b) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}

	first := b[0]
	switch {
	case first&twoByteMarker == 0:
		return int(first), 1, nil
	case first&prefixMask == twoByteMarker:
		if len(b) < 2 {
			return 0, 0, io.ErrUnexpectedEOF
		}
		return int(first&^twoByteMarker)<<8 | int(b[1]), 2, nil
	default:
		return 0, 0, fmt.Errorf("%w: unsupported length prefix 0x%02X", ErrProtocol, first)
	}
}

// EncodeWord returns the UTF-8 bytes of text prefixed by their length.
func EncodeWord(text string) ([]byte, error) {
	prefix, err := EncodeLength(len(text))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(prefix)+len(text))
	buf = append(buf, prefix...)
	buf = append(buf, text...)
	return buf, nil
}

// EncodeSentence encodes a sequence of words followed by the zero-length
// terminator word.
func EncodeSentence(words []string) ([]byte, error) {
	var buf []byte
	for _, w := range words {
		encoded, err := EncodeWord(w)
		if err != nil {
			return nil, fmt.Errorf("encoding word %q: %w", truncate(w, 32), err)
		}
		buf = append(buf, encoded...)
	}
	return append(buf, 0x00), nil
}

// attributePattern matches one =key=value token. The value runs until a
// NUL, a newline or the end of the input.
var attributePattern = regexp.MustCompile(`=([^=\x00\n]+)=([^\x00\n]*)`)

// DecodeAttributes scans text for =key=value tokens.
//
// The result keeps first-seen key order; a repeated key keeps its position
// and takes the last value.
func DecodeAttributes(text string) *Attributes {
	attrs := NewAttributes()
	for _, m := range attributePattern.FindAllStringSubmatch(text, -1) {
		attrs.Set(m[1], m[2])
	}
	return attrs
}

// readWord reads a single length-prefixed word from r.
func readWord(r *bufio.Reader) (string, error) {
	first, err := r.ReadByte()
	if err != nil {
		return "", err
	}

	prefix := []byte{first}
	if first&twoByteMarker != 0 {
		second, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		prefix = append(prefix, second)
	}

	n, _, err := DecodeLength(prefix)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}

	word := make([]byte, n)
	if _, err := io.ReadFull(r, word); err != nil {
		return "", err
	}
	return string(word), nil
}

// readSentence reads words until the zero-length terminator.
func readSentence(r *bufio.Reader) ([]string, error) {
	var words []string
	for {
		w, err := readWord(r)
		if err != nil {
			return nil, err
		}
		if w == "" {
			return words, nil
		}
		words = append(words, w)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
