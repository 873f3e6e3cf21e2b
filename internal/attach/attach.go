// Package attach finds attachment and inline parts and decodes their filenames.
package attach

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message/charset"

	"github.com/joshsymonds/gmailexport/internal/mimepart"
)

// Disposition is a parsed Content-Disposition header.
type Disposition struct {
	Type     string            // "attachment" or "inline"
	Params   map[string]string // raw parameters, keys lowercased
	Filename string            // decoded filename
}

// Attachment pairs a qualifying part with its parsed disposition.
type Attachment struct {
	Disposition Disposition
	Part        *mimepart.Part
}

// ParseError reports a part that qualified as an attachment but whose
// filename could not be determined. The part is skipped.
type ParseError struct {
	Header string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse attachment %q: %v", e.Header, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err wraps a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

var errNoFilename = errors.New("no filename")

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Find returns the parts of root whose disposition is "inline" when inline is
// set, "attachment" otherwise, in document order. Parts without any filename
// are skipped; parts whose filename cannot be decoded are passed to report
// and skipped.
func Find(root *mimepart.Part, inline bool, report func(error)) []Attachment {
	want := "attachment"
	if inline {
		want = "inline"
	}
	var out []Attachment
	root.Walk(func(p *mimepart.Part) bool {
		value := p.Get("Content-Disposition")
		if strings.TrimSpace(value) == "" {
			return true
		}
		d := ParseDisposition(value)
		if d.Type != want {
			return true
		}
		name, err := Filename(d.Params, p)
		if errors.Is(err, errNoFilename) && !named(d.Params, p) {
			// nameless inline bodies are common and not attachments
			return true
		}
		if err != nil {
			if report != nil {
				report(&ParseError{Header: value, Err: err})
			}
			return true
		}
		d.Filename = name
		out = append(out, Attachment{Disposition: d, Part: p})
		return true
	})
	return out
}

// named reports whether a filename parameter is present in any form.
func named(params map[string]string, p *mimepart.Part) bool {
	for k := range params {
		if k == "filename" || strings.HasPrefix(k, "filename*") {
			return true
		}
	}
	return p != nil && p.Name() != ""
}

// ParseDisposition unfolds a Content-Disposition value and splits it into
// its type and parameters. Semicolons inside quotes do not separate parameters.
func ParseDisposition(value string) Disposition {
	value = unfold(value)
	fields := splitParams(value)
	d := Disposition{Params: map[string]string{}}
	if len(fields) == 0 {
		return d
	}
	d.Type = strings.ToLower(strings.TrimSpace(fields[0]))
	for _, f := range fields[1:] {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		d.Params[key] = unquote(strings.TrimSpace(val))
	}
	return d
}

func unfold(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	v = strings.ReplaceAll(v, "\n", "")
	return strings.ReplaceAll(v, "\t", " ")
}

func splitParams(v string) []string {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	for _, r := range v {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == ';' && !quoted:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if s := strings.TrimSpace(cur.String()); s != "" || len(out) == 0 {
		out = append(out, s)
	}
	return out
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
	}
	return strings.ReplaceAll(v, `\"`, `"`)
}

// Filename decodes the filename from disposition params, preferring RFC 2231
// forms, and falls back to the part's Content-Type name.
func Filename(params map[string]string, p *mimepart.Part) (string, error) {
	if v, ok := params["filename*"]; ok {
		return decodeExtended(v)
	}
	if name, ok, err := continued(params); ok || err != nil {
		return name, err
	}
	if v := params["filename"]; v != "" {
		return decodeWords(v)
	}
	if p != nil && p.Name() != "" {
		return decodeWords(p.Name())
	}
	return "", errNoFilename
}

func decodeWords(v string) (string, error) {
	if !strings.Contains(v, "=?") {
		return v, nil
	}
	out, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return "", fmt.Errorf("decode encoded words: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", errNoFilename
	}
	return out, nil
}

// decodeExtended handles charset'language'percent-encoded values.
func decodeExtended(v string) (string, error) {
	cs, rest, ok := splitExtended(v)
	if !ok {
		return "", fmt.Errorf("malformed extended value %q", v)
	}
	raw, err := url.PathUnescape(rest)
	if err != nil {
		return "", fmt.Errorf("unescape extended value: %w", err)
	}
	return convert(cs, []byte(raw))
}

func splitExtended(v string) (cs, rest string, ok bool) {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	return parts[0], parts[2], true
}

// continued joins filename*0, filename*1*... segments. Encoded segments are
// percent-decoded and the charset comes from the first segment.
func continued(params map[string]string) (string, bool, error) {
	type segment struct {
		index   int
		value   string
		encoded bool
	}
	var segs []segment
	for k, v := range params {
		if !strings.HasPrefix(k, "filename*") || k == "filename*" {
			continue
		}
		idx := strings.TrimPrefix(k, "filename*")
		encoded := strings.HasSuffix(idx, "*")
		idx = strings.TrimSuffix(idx, "*")
		n, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		segs = append(segs, segment{index: n, value: v, encoded: encoded})
	}
	if len(segs) == 0 {
		return "", false, nil
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].index < segs[j].index })

	cs := "utf-8"
	var buf []byte
	for i, s := range segs {
		if s.index != i {
			break
		}
		val := s.value
		if s.encoded {
			if i == 0 {
				c, rest, ok := splitExtended(val)
				if !ok {
					return "", true, fmt.Errorf("malformed extended value %q", val)
				}
				cs, val = c, rest
			}
			unescaped, err := url.PathUnescape(val)
			if err != nil {
				return "", true, fmt.Errorf("unescape continuation %d: %w", i, err)
			}
			val = unescaped
		}
		buf = append(buf, val...)
	}
	name, err := convert(cs, buf)
	return name, true, err
}

func convert(cs string, raw []byte) (string, error) {
	cs = strings.ToLower(strings.TrimSpace(cs))
	var name string
	switch cs {
	case "", "utf-8", "utf8", "us-ascii":
		name = string(raw)
	default:
		r, err := charset.Reader(cs, strings.NewReader(string(raw)))
		if err != nil {
			return "", fmt.Errorf("charset %q: %w", cs, err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("convert charset %q: %w", cs, err)
		}
		name = string(out)
	}
	if strings.TrimSpace(name) == "" {
		return "", errNoFilename
	}
	return name, nil
}
