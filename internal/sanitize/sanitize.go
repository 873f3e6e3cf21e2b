// Package sanitize turns a message's MIME tree into a single self-contained
// HTML fragment: inline images become data URIs, tracking pixels and
// unreachable images lose their src, and a few legacy font styles are rewritten.
package sanitize

import (
	"context"
	"log/slog"
	"os"

	"github.com/joshsymonds/gmailexport/internal/mimepart"
)

// Sanitizer renders message bodies. A nil Prober disables liveness probing.
type Sanitizer struct {
	Prober Prober
	Logger *slog.Logger
}

func New(prober Prober, logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Sanitizer{Prober: prober, Logger: logger}
}

// Sanitize returns the cleaned body HTML for root, or NoBodyError.
func (s *Sanitizer) Sanitize(ctx context.Context, root *mimepart.Part) (string, error) {
	body, err := s.selectBody(root)
	if err != nil {
		return "", err
	}
	body = s.resolveCIDs(body, root)
	return s.cleanDocument(ctx, body)
}
