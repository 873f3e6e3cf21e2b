package export

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joshsymonds/gmailexport/internal/gmail"
)

// Formats selects the artifacts written per message.
type Formats struct {
	EML         bool `json:"eml"`
	HTML        bool `json:"html"`
	PDF         bool `json:"pdf"`
	Attachments bool `json:"attachments"`
	Inline      bool `json:"inline"`
}

// Any reports whether at least one format is selected.
func (f Formats) Any() bool {
	return f.EML || f.HTML || f.PDF || f.Attachments || f.Inline
}

// ParseFormats accepts names like "eml", "html", "pdf", "attachments" and
// "inline", case-insensitively.
func ParseFormats(names []string) (Formats, error) {
	var f Formats
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		switch name {
		case "":
			continue
		case "eml":
			f.EML = true
		case "html", "html5":
			f.HTML = true
		case "pdf":
			f.PDF = true
		case "attachments", "att":
			f.Attachments = true
		case "inline", "inl":
			f.Inline = true
		default:
			return Formats{}, fmt.Errorf("unknown format %q", raw)
		}
	}
	return f, nil
}

// LabelRef names a label by id, by name, or both.
type LabelRef struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// Options configures one export run.
type Options struct {
	Root      string
	Location  *time.Location
	Labels    []gmail.Label
	Formats   Formats
	Overwrite bool
	PageSize  int
}

func (o Options) validate() error {
	if strings.TrimSpace(o.Root) == "" {
		return fmt.Errorf("export root must not be empty")
	}
	if len(o.Labels) == 0 {
		return fmt.Errorf("at least one label must be selected")
	}
	if !o.Formats.Any() {
		return fmt.Errorf("at least one format must be selected")
	}
	return nil
}

// ResolveLabels matches refs against the account's labels by id, then by
// case-insensitive name. Refs that match nothing are an error.
func ResolveLabels(ctx context.Context, client gmail.Client, refs []LabelRef) ([]gmail.Label, error) {
	all, err := client.ListLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	byID := make(map[gmail.LabelID]gmail.Label, len(all))
	byName := make(map[string]gmail.Label, len(all))
	for _, l := range all {
		byID[l.ID] = l
		byName[strings.ToLower(l.Name)] = l
	}
	out := make([]gmail.Label, 0, len(refs))
	seen := map[gmail.LabelID]bool{}
	for _, ref := range refs {
		l, ok := byID[gmail.LabelID(ref.ID)]
		if !ok {
			l, ok = byName[strings.ToLower(strings.TrimSpace(ref.Name))]
		}
		if !ok && ref.Name == "" {
			l, ok = byName[strings.ToLower(strings.TrimSpace(ref.ID))]
		}
		if !ok {
			return nil, fmt.Errorf("label %q not found", firstNonEmpty(ref.ID, ref.Name))
		}
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		out = append(out, l)
	}
	return out, nil
}

// UserLabels returns user labels sorted case-insensitively by name. System
// labels are included when all is set.
func UserLabels(labels []gmail.Label, all bool) []gmail.Label {
	out := make([]gmail.Label, 0, len(labels))
	for _, l := range labels {
		if !all && l.Type == "system" {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
