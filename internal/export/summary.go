package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LabelState tracks a label through the walk.
type LabelState string

const (
	StatePending   LabelState = "pending"
	StateListing   LabelState = "listing"
	StateLinking   LabelState = "linking"
	StateExporting LabelState = "exporting"
	StateDone      LabelState = "done"
	StateFailed    LabelState = "failed"
)

// LabelResult is the outcome for one selected label.
type LabelResult struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	State    LabelState `json:"state"`
	Threads  int        `json:"threads"`
	Messages int        `json:"messages"`
	Error    string     `json:"error,omitempty"`
}

// Summary reports what a run did.
type Summary struct {
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
	Labels             []LabelResult `json:"labels"`
	Messages           int           `json:"messages"`
	Duplicates         int           `json:"duplicates"`
	NoBody             int           `json:"no_body"`
	Written            int           `json:"written"`
	Skipped            int           `json:"skipped"`
	Failed             int           `json:"failed"`
	AttachmentsSkipped int           `json:"attachments_skipped"`
}

// FailedLabels counts labels that did not complete.
func (s Summary) FailedLabels() int {
	n := 0
	for _, l := range s.Labels {
		if l.State == StateFailed {
			n++
		}
	}
	return n
}

// PrintHuman writes a readable summary to the provided writer.
func PrintHuman(sum Summary, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	var builder strings.Builder
	fmt.Fprintf(
		&builder,
		"gmailexport: %d messages across %d labels in %s\n",
		sum.Messages,
		len(sum.Labels),
		sum.FinishedAt.Sub(sum.StartedAt).Round(time.Second),
	)
	if len(sum.Labels) > 0 {
		builder.WriteString("\nLabels:\n")
		for _, l := range sum.Labels {
			fmt.Fprintf(&builder, "  %-30s %-9s %4d threads %5d messages", l.Name, l.State, l.Threads, l.Messages)
			if l.Error != "" {
				fmt.Fprintf(&builder, "  (%s)", l.Error)
			}
			builder.WriteString("\n")
		}
	}
	builder.WriteString("\nArtifacts:\n")
	fmt.Fprintf(&builder, "  written %d, skipped %d, failed %d\n", sum.Written, sum.Skipped, sum.Failed)
	if sum.Duplicates > 0 {
		fmt.Fprintf(&builder, "  %d messages already reached through another label\n", sum.Duplicates)
	}
	if sum.NoBody > 0 {
		fmt.Fprintf(&builder, "  %d messages without a text body\n", sum.NoBody)
	}
	if sum.AttachmentsSkipped > 0 {
		fmt.Fprintf(&builder, "  %d attachments skipped (unreadable filename)\n", sum.AttachmentsSkipped)
	}
	if _, err := io.WriteString(w, builder.String()); err != nil {
		return fmt.Errorf("write human summary: %w", err)
	}
	return nil
}

// WriteJSON writes the summary as indented JSON. path must stay inside the
// working directory.
func WriteJSON(sum Summary, path string) error {
	path = strings.TrimSpace(path)
	if !filepath.IsLocal(path) {
		return fmt.Errorf("summary path %q is not a relative path inside the working directory", path)
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
