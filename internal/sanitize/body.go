package sanitize

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"

	"github.com/joshsymonds/gmailexport/internal/mimepart"
)

var errInvalidUTF8 = errors.New("invalid utf-8")

// selectBody picks the first text/html part, else the first text/plain part
// wrapped in <pre>. The returned HTML still contains cid: references.
func (s *Sanitizer) selectBody(root *mimepart.Part) (string, error) {
	if part, ok := root.FindByContentType("text/html"); ok {
		return s.decodePart(part)
	}
	if part, ok := root.FindByContentType("text/plain"); ok {
		text, err := s.decodePart(part)
		if err != nil {
			return "", err
		}
		return "<pre>" + html.EscapeString(text) + "</pre>", nil
	}
	return "", NoBodyError{}
}

func (s *Sanitizer) decodePart(part *mimepart.Part) (string, error) {
	raw, err := part.Decoded()
	if err != nil {
		return "", fmt.Errorf("decode transfer encoding: %w", err)
	}
	return s.decodeText(raw, part.Charset()), nil
}

// decodeText tries the declared charset (utf-8 when absent), then latin1,
// then gives up and keeps the bytes as they are.
func (s *Sanitizer) decodeText(raw []byte, declared string) string {
	if declared == "" {
		declared = "utf-8"
	}
	text, err := decodeCharset(raw, declared)
	if err == nil {
		return text
	}
	s.Logger.Warn("body decode failed, falling back", "error", &DecodeError{Charset: declared, Err: err})

	text, err = decodeCharset(raw, "latin1")
	if err == nil {
		return text
	}
	s.Logger.Warn("body decode failed, keeping raw bytes", "error", &DecodeError{Charset: "latin1", Err: err})
	return string(raw)
}

func decodeCharset(raw []byte, label string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "utf-8", "utf8", "us-ascii", "ascii":
		if !utf8.Valid(raw) {
			return "", errInvalidUTF8
		}
		return string(raw), nil
	case "latin1", "latin-1", "iso-8859-1":
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	enc, name := htmlcharset.Lookup(label)
	if enc == nil {
		return "", fmt.Errorf("unknown charset %q", label)
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", name, err)
	}
	return string(out), nil
}
