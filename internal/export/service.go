// Package export walks the selected labels and writes each message's
// artifacts under <root>/<label>/<thread>/.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joshsymonds/gmailexport/internal/gmail"
	"github.com/joshsymonds/gmailexport/internal/graph"
	"github.com/joshsymonds/gmailexport/internal/mimepart"
	"github.com/joshsymonds/gmailexport/internal/naming"
	"github.com/joshsymonds/gmailexport/internal/pdf"
	"github.com/joshsymonds/gmailexport/internal/rate"
	"github.com/joshsymonds/gmailexport/internal/runtime"
)

const maxPageSize = 500

// Sanitizer renders a message body to clean HTML.
type Sanitizer interface {
	Sanitize(ctx context.Context, root *mimepart.Part) (string, error)
}

// Service exports Gmail labels to the local filesystem.
type Service struct {
	Client    gmail.Client
	Limiter   rate.Limiter
	Logger    *slog.Logger
	Clock     func() time.Time
	Sanitizer Sanitizer
	Converter pdf.Converter
}

// NewService constructs a Service with sane defaults.
func NewService(
	client gmail.Client,
	limiter rate.Limiter,
	logger *slog.Logger,
	sanitizer Sanitizer,
	converter pdf.Converter,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Service{
		Client:    client,
		Limiter:   limiter,
		Logger:    logger,
		Clock:     time.Now,
		Sanitizer: sanitizer,
		Converter: converter,
	}
}

type walker struct {
	svc  *Service
	g    *graph.Graph
	opts Options
	sum  *Summary
}

// Run exports every selected label in order. A label whose listing fails is
// marked failed and the run continues; authentication failures and
// cancellation stop the run. The returned graph holds everything reached.
func (s *Service) Run(ctx context.Context, opts Options) (*graph.Graph, Summary, error) {
	if err := opts.validate(); err != nil {
		return nil, Summary{}, err
	}
	if opts.PageSize <= 0 || opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	g := graph.New(s.Client, s.Limiter, opts.Location)
	sum := Summary{StartedAt: s.Clock()}
	w := &walker{svc: s, g: g, opts: opts, sum: &sum}

	s.Logger.InfoContext(ctx, "starting export", "root", opts.Root, "labels", len(opts.Labels))
	for _, sel := range opts.Labels {
		res := LabelResult{ID: string(sel.ID), Name: sel.Name, State: StatePending}
		err := w.exportLabel(ctx, sel, &res)
		if err != nil {
			res.State = StateFailed
			res.Error = err.Error()
			sum.Labels = append(sum.Labels, res)
			if fatal(ctx, err) {
				sum.FinishedAt = s.Clock()
				return g, sum, err
			}
			s.Logger.ErrorContext(ctx, "label failed", "label", sel.Name, "error", err)
			continue
		}
		sum.Labels = append(sum.Labels, res)
	}
	sum.FinishedAt = s.Clock()
	return g, sum, nil
}

func (w *walker) exportLabel(ctx context.Context, sel gmail.Label, res *LabelResult) error {
	logger := w.svc.Logger.With("label", sel.Name)
	label := w.g.AddLabel(sel.ID, sel.Name)
	label.Path = filepath.Join(append([]string{w.opts.Root}, naming.LabelPath(sel.Name)...)...)

	res.State = StateListing
	refs, err := w.list(ctx, sel.ID)
	if err != nil {
		return fmt.Errorf("list label %s: %w", sel.Name, err)
	}

	res.State = StateLinking
	w.sum.Duplicates += w.g.Link(label, refs)
	logger.InfoContext(ctx, "listed label", "messages", len(refs), "threads", len(label.ThreadIDs))

	res.State = StateExporting
	if err := os.MkdirAll(label.Path, 0o755); err != nil {
		return fmt.Errorf("create label dir: %w", err)
	}
	groups := w.g.MessagesByThread(label)
	for _, tid := range label.ThreadIDs {
		pending := w.pending(groups[tid])
		if len(pending) == 0 {
			continue
		}
		th, _ := w.g.Thread(tid)
		dir, err := w.threadDir(ctx, label, th)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			logger.ErrorContext(ctx, "thread failed", "thread", tid, "error", err)
			w.sum.Failed += len(pending)
			continue
		}
		res.Threads++
		logger.DebugContext(ctx, "exporting thread", "thread", tid, "path", dir)
		for _, msg := range pending {
			msg.Exported = true
			res.Messages++
			w.sum.Messages++
			if err := w.exportMessage(ctx, dir, msg); err != nil {
				return err
			}
		}
	}
	res.State = StateDone
	return nil
}

func (w *walker) list(ctx context.Context, label gmail.LabelID) ([]gmail.MessageRef, error) {
	var refs []gmail.MessageRef
	pageToken := ""
	retried := false
	for {
		if err := w.svc.wait(ctx, "rate limit messages"); err != nil {
			return nil, err
		}
		page, err := w.svc.Client.List(ctx, label, pageToken, w.opts.PageSize)
		if err != nil {
			// a failed page is asked for once more before the label fails
			if gmail.IsServiceError(err) && !retried {
				retried = true
				w.svc.Logger.WarnContext(ctx, "retrying message page", "label", label, "error", err)
				continue
			}
			return nil, fmt.Errorf("list messages: %w", err)
		}
		retried = false
		refs = append(refs, page.Messages...)
		if page.NextPageToken == "" {
			return refs, nil
		}
		pageToken = page.NextPageToken
	}
}

// pending drops messages already exported under an earlier label.
func (w *walker) pending(ids []gmail.MessageID) []*graph.Message {
	var out []*graph.Message
	for _, id := range ids {
		if m, ok := w.g.Message(id); ok && !m.Exported {
			out = append(out, m)
		}
	}
	return out
}

// threadDir places a thread under label the first time it is exported and
// reuses that directory afterwards.
func (w *walker) threadDir(ctx context.Context, label *graph.Label, th *graph.Thread) (string, error) {
	if th.Dir != "" {
		return th.Dir, nil
	}
	name, err := w.g.ResolveThread(ctx, th)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(label.Path, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create thread dir: %w", err)
	}
	th.Dir = dir
	return dir, nil
}

func (s *Service) wait(ctx context.Context, operation string) error {
	if s.Limiter == nil {
		return nil
	}
	if err := s.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}

// fatal errors end the run instead of the current label or message.
func fatal(ctx context.Context, err error) bool {
	return runtime.IsAuthError(err) || ctx.Err() != nil
}
