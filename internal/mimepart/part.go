// Package mimepart parses raw RFC 5322 messages into a tree of parts that
// keeps each part's transported body next to its decoded form.
package mimepart

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 charsets for header decoding
	"github.com/emersion/go-message/textproto"
)

const maxDepth = 32

// Part is one node of a message's MIME tree.
type Part struct {
	Header    textproto.Header
	MediaType string            // lowercased, defaults to text/plain
	Params    map[string]string // Content-Type parameters
	Encoding  string            // lowercased Content-Transfer-Encoding
	Body      []byte            // body as transported
	Children  []*Part
}

// Parse reads raw message bytes into a part tree. Nested multiparts that fail
// to parse are kept as leaves.
func Parse(raw []byte) (*Part, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read message header: %w", err)
	}
	return build(h, br, 0)
}

func build(h textproto.Header, body io.Reader, depth int) (*Part, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read part body: %w", err)
	}
	p := newPart(h, data)
	boundary := p.Params["boundary"]
	switch {
	case depth >= maxDepth:
	case p.IsMultipart() && boundary != "":
		if children, err := parseChildren(data, boundary, depth+1); err == nil {
			p.Children = children
		}
	case p.MediaType == "message/rfc822":
		if child, err := parseEmbedded(p, depth+1); err == nil {
			p.Children = []*Part{child}
		}
	}
	return p, nil
}

// parseEmbedded parses a forwarded message as the single child of p. Body
// keeps the message as transported.
func parseEmbedded(p *Part, depth int) (*Part, error) {
	data, err := p.Decoded()
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(bytes.NewReader(data))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("read embedded header: %w", err)
	}
	return build(h, br, depth)
}

func parseChildren(data []byte, boundary string, depth int) ([]*Part, error) {
	mr := textproto.NewMultipartReader(bytes.NewReader(data), boundary)
	var children []*Part
	for {
		mp, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return children, nil
		}
		if err != nil {
			return nil, fmt.Errorf("next part: %w", err)
		}
		child, err := build(mp.Header, mp, depth)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
}

func newPart(h textproto.Header, body []byte) *Part {
	mh := message.Header{Header: h}
	mediaType, params, err := mh.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = fallbackContentType(h.Get("Content-Type"))
	}
	if params == nil {
		params = map[string]string{}
	}
	return &Part{
		Header:    h,
		MediaType: strings.ToLower(mediaType),
		Params:    params,
		Encoding:  strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding"))),
		Body:      body,
	}
}

// fallbackContentType salvages the media type from a header that
// mime.ParseMediaType rejects.
func fallbackContentType(value string) (string, map[string]string) {
	mediaType, _, _ := strings.Cut(value, ";")
	mediaType = strings.TrimSpace(mediaType)
	if !strings.Contains(mediaType, "/") {
		mediaType = "text/plain"
	}
	return mediaType, map[string]string{}
}

// IsMultipart reports whether the part is a multipart container.
func (p *Part) IsMultipart() bool { return strings.HasPrefix(p.MediaType, "multipart/") }

// Get returns the raw value of a header field.
func (p *Part) Get(key string) string { return p.Header.Get(key) }

// Charset returns the declared charset parameter, lowercased.
func (p *Part) Charset() string { return strings.ToLower(strings.TrimSpace(p.Params["charset"])) }

// ContentID returns the Content-ID without surrounding angle brackets.
func (p *Part) ContentID() string {
	return strings.Trim(strings.TrimSpace(p.Get("Content-ID")), "<>")
}

// Name returns the Content-Type name parameter.
func (p *Part) Name() string { return p.Params["name"] }

// Decoded reverses the part's transfer encoding.
func (p *Part) Decoded() ([]byte, error) {
	switch p.Encoding {
	case "base64":
		return decodeBase64(p.Body)
	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(p.Body)))
		if err != nil {
			return nil, fmt.Errorf("decode quoted-printable: %w", err)
		}
		return out, nil
	default:
		return p.Body, nil
	}
}

// Base64Payload returns the transported base64 text with line breaks removed.
func (p *Part) Base64Payload() string { return stripSpace(string(p.Body)) }

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', '\t', ' ':
			return -1
		}
		return r
	}, s)
}

func decodeBase64(body []byte) ([]byte, error) {
	clean := stripSpace(string(body))
	if out, err := base64.StdEncoding.DecodeString(clean); err == nil {
		return out, nil
	}
	out, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(clean, "="))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return out, nil
}

// Walk visits p and its descendants depth-first in document order until fn
// returns false.
func (p *Part) Walk(fn func(*Part) bool) bool {
	if !fn(p) {
		return false
	}
	for _, c := range p.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

func (p *Part) find(match func(*Part) bool) (*Part, bool) {
	var found *Part
	p.Walk(func(q *Part) bool {
		if match(q) {
			found = q
			return false
		}
		return true
	})
	return found, found != nil
}

// FindByContentType returns the first part with the given media type.
func (p *Part) FindByContentType(mediaType string) (*Part, bool) {
	mediaType = strings.ToLower(mediaType)
	return p.find(func(q *Part) bool { return q.MediaType == mediaType })
}

// FindByContentID matches id with or without angle brackets.
func (p *Part) FindByContentID(id string) (*Part, bool) {
	id = strings.Trim(strings.TrimSpace(id), "<>")
	if id == "" {
		return nil, false
	}
	return p.find(func(q *Part) bool { return q.ContentID() == id })
}

// FindByName returns the first part whose Content-Type name parameter is name.
func (p *Part) FindByName(name string) (*Part, bool) {
	if name == "" {
		return nil, false
	}
	return p.find(func(q *Part) bool { return q.Name() == name })
}
