package sanitize

import (
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/joshsymonds/gmailexport/internal/mimepart"
)

var cidRef = regexp.MustCompile(`cid:([\w@.-]+)`)

// resolveCIDs replaces every cid: reference with a data URI built from the
// referenced part. References that cannot be resolved become empty strings.
func (s *Sanitizer) resolveCIDs(body string, root *mimepart.Part) string {
	return cidRef.ReplaceAllStringFunc(body, func(match string) string {
		id := cidRef.FindStringSubmatch(match)[1]
		uri, ok := s.dataURI(id, root)
		if !ok {
			s.Logger.Debug("unresolved inline reference", "cid", id)
			return ""
		}
		return uri
	})
}

func (s *Sanitizer) dataURI(id string, root *mimepart.Part) (string, bool) {
	part, ok := root.FindByContentID(id)
	if !ok {
		part, ok = root.FindByName(id)
	}
	if !ok {
		return "", false
	}
	if part.Encoding != "base64" {
		s.Logger.Warn("inline part is not base64 encoded", "cid", id, "encoding", part.Encoding)
		return "", false
	}
	decoded, err := part.Decoded()
	if err != nil {
		s.Logger.Warn("inline part failed to decode", "cid", id, "error", err)
		return "", false
	}
	return "data:" + sniff(decoded) + ";base64," + part.Base64Payload(), true
}

func sniff(data []byte) string {
	mt, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	return strings.TrimSpace(mt)
}
