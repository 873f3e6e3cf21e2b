package graph

import (
	"context"
	"mime"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/charset"
)

var addressParser = &mail.AddressParser{WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader}}

// ParticipantsOf returns the participants named in one of m's address headers.
func (g *Graph) ParticipantsOf(ctx context.Context, m *Message, header string) ([]*Participant, error) {
	meta, err := g.Metadata(ctx, m)
	if err != nil {
		return nil, err
	}
	var out []*Participant
	for _, addr := range parseAddresses(meta.Header(header)) {
		out = append(out, g.Participant(addr.Address, addr.Name))
	}
	return out, nil
}

// parseAddresses parses an address list, falling back to comma-separated
// entries when the whole list is malformed. Unparseable entries are dropped.
func parseAddresses(v string) []*mail.Address {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	if list, err := addressParser.ParseList(v); err == nil {
		return list
	}
	var out []*mail.Address
	for _, entry := range strings.Split(v, ",") {
		if a, err := addressParser.Parse(strings.TrimSpace(entry)); err == nil {
			out = append(out, a)
		}
	}
	return out
}
