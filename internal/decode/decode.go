package decode

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

// DefaultEncoding is the code page the practice-management exports are written in.
const DefaultEncoding = "iso-8859-2"

// ErrUnknownEncoding is wrapped by a DecodingError when the encoding name
// cannot be resolved.
var ErrUnknownEncoding = errors.New("unknown encoding")

// DecodingError reports bytes that cannot be decoded under the declared encoding.
type DecodingError struct {
	Encoding string
	// Offset is the byte offset of the first undecodable byte, or -1 when
	// the failure is not tied to a position.
	Offset int
	Err    error
}

func (e *DecodingError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("decode %s: invalid byte at offset %d", e.Encoding, e.Offset)
	}
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v", e.Encoding, e.Err)
	}
	return fmt.Sprintf("decode %s: failed", e.Encoding)
}

func (e *DecodingError) Unwrap() error { return e.Err }

// Lookup resolves an encoding name. The Central-European code pages are
// resolved directly; anything else goes through the IANA registry.
func Lookup(name string) (encoding.Encoding, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "":
		return nil, ErrUnknownEncoding
	case "iso-8859-2", "iso8859-2", "latin2", "latin-2":
		return charmap.ISO8859_2, nil
	case "windows-1250", "cp1250":
		return charmap.Windows1250, nil
	case "utf-8", "utf8":
		return encoding.Nop, nil
	}
	enc, err := ianaindex.IANA.Encoding(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, name)
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: %s (unsupported)", ErrUnknownEncoding, name)
	}
	return enc, nil
}

// Decode converts raw bytes in the named encoding to a Go string. It never
// sniffs the encoding. Bytes that the code page leaves undefined are reported
// as a *DecodingError rather than silently replaced.
func Decode(raw []byte, encodingName string) (string, error) {
	enc, err := Lookup(encodingName)
	if err != nil {
		return "", &DecodingError{Encoding: encodingName, Offset: -1, Err: err}
	}
	if enc == encoding.Nop {
		if !utf8.Valid(raw) {
			return "", &DecodingError{Encoding: encodingName, Offset: firstInvalidUTF8(raw)}
		}
		return string(raw), nil
	}
	if cm, ok := enc.(*charmap.Charmap); ok {
		return decodeCharmap(cm, raw, encodingName)
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", &DecodingError{Encoding: encodingName, Offset: -1, Err: err}
	}
	// Multi-byte decoders substitute U+FFFD for undecodable input.
	if strings.ContainsRune(string(out), utf8.RuneError) {
		return "", &DecodingError{Encoding: encodingName, Offset: -1, Err: errors.New("replacement character in output")}
	}
	return string(out), nil
}

// decodeCharmap decodes byte by byte so an undefined code point can be
// reported with its offset.
func decodeCharmap(cm *charmap.Charmap, raw []byte, name string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for i, c := range raw {
		r := cm.DecodeByte(c)
		if r == utf8.RuneError {
			return "", &DecodingError{Encoding: name, Offset: i}
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

func firstInvalidUTF8(raw []byte) int {
	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRune(raw[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return -1
}
