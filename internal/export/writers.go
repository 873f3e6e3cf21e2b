package export

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/joshsymonds/gmailexport/internal/attach"
	"github.com/joshsymonds/gmailexport/internal/document"
	"github.com/joshsymonds/gmailexport/internal/gmail"
	"github.com/joshsymonds/gmailexport/internal/graph"
	"github.com/joshsymonds/gmailexport/internal/naming"
	"github.com/joshsymonds/gmailexport/internal/sanitize"
)

var errNoConverter = errors.New("no pdf converter configured")

type step struct {
	name    string
	enabled bool
	run     func() error
}

// exportMessage writes every requested artifact for msg into dir. Only
// fatal errors are returned; everything else is logged and counted.
func (w *walker) exportMessage(ctx context.Context, dir string, msg *graph.Message) error {
	logger := w.svc.Logger.With("message", msg.ID)
	meta, err := w.g.Metadata(ctx, msg)
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		logger.ErrorContext(ctx, "message failed", "error", err)
		w.sum.Failed++
		return nil
	}

	loc := w.opts.Location
	base := filepath.Join(dir, naming.MessageBase(meta.Date, loc, meta.Header("Subject")))
	doc := &lazyDocument{w: w, msg: msg, meta: meta}
	f := w.opts.Formats
	steps := []step{
		{"eml", f.EML, func() error {
			return w.writeFile(base+".eml", func() ([]byte, error) { return w.g.Raw(ctx, msg) })
		}},
		{"html", f.HTML, func() error {
			return w.writeFile(base+".html", func() ([]byte, error) { return doc.bytes(ctx) })
		}},
		{"pdf", f.PDF, func() error { return w.writePDF(ctx, base+".pdf", doc) }},
		{"attachments", f.Attachments, func() error {
			return w.writeContent(ctx, dir, msg, naming.AttachmentPrefix(meta.Date, loc), false)
		}},
		{"inline", f.Inline, func() error {
			return w.writeContent(ctx, dir, msg, naming.InlinePrefix(meta.Date, loc), true)
		}},
	}
	for _, st := range steps {
		if !st.enabled {
			continue
		}
		err := st.run()
		switch {
		case err == nil:
		case fatal(ctx, err):
			return err
		case sanitize.IsNoBody(err):
			if !doc.noBodyCounted {
				doc.noBodyCounted = true
				w.sum.NoBody++
				logger.WarnContext(ctx, "message has no text body", "error", err)
			}
		default:
			w.sum.Failed++
			logger.ErrorContext(ctx, "artifact failed", "format", st.name, "error", err)
		}
	}
	return nil
}

// exists reports whether path should be left alone under the overwrite policy.
func (w *walker) exists(path string) bool {
	if w.opts.Overwrite {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (w *walker) writeFile(path string, produce func() ([]byte, error)) error {
	if w.exists(path) {
		w.sum.Skipped++
		return nil
	}
	data, err := produce()
	if err != nil {
		return err
	}
	if err := writeAtomic(path, data); err != nil {
		return err
	}
	w.sum.Written++
	w.svc.Logger.Debug("wrote artifact", "path", path)
	return nil
}

func (w *walker) writePDF(ctx context.Context, path string, doc *lazyDocument) error {
	if w.exists(path) {
		w.sum.Skipped++
		return nil
	}
	if w.svc.Converter == nil {
		return errNoConverter
	}
	data, err := doc.bytes(ctx)
	if err != nil {
		return err
	}
	tmp := path + ".part"
	if err := w.svc.Converter.Convert(ctx, data, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("convert %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	w.sum.Written++
	w.svc.Logger.Debug("wrote artifact", "path", path)
	return nil
}

// writeContent writes attachment or inline parts. Names repeated within the
// message get a numeric suffix.
func (w *walker) writeContent(ctx context.Context, dir string, msg *graph.Message, prefix string, inline bool) error {
	parts, err := w.g.Parts(ctx, msg)
	if err != nil {
		return err
	}
	items := attach.Find(parts, inline, func(err error) {
		w.sum.AttachmentsSkipped++
		w.svc.Logger.WarnContext(ctx, "skipping attachment", "message", msg.ID, "error", err)
	})
	taken := map[string]bool{}
	for _, item := range items {
		name := naming.Unique(naming.ContentName(prefix, item.Disposition.Filename), func(s string) bool { return taken[s] })
		taken[name] = true
		part := item.Part
		err := w.writeFile(filepath.Join(dir, name), part.Decoded)
		if err != nil {
			w.sum.Failed++
			w.svc.Logger.ErrorContext(ctx, "attachment failed", "message", msg.ID, "file", name, "error", err)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { // #nosec G306 - exported mail is user readable
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// lazyDocument renders the HTML document on first use and shares it between
// the html and pdf writers.
type lazyDocument struct {
	w    *walker
	msg  *graph.Message
	meta gmail.MessageMeta

	done          bool
	data          []byte
	err           error
	noBodyCounted bool
}

func (d *lazyDocument) bytes(ctx context.Context) ([]byte, error) {
	if !d.done {
		d.data, d.err = d.render(ctx)
		if d.err == nil || !fatal(ctx, d.err) {
			d.done = true
		}
	}
	return d.data, d.err
}

func (d *lazyDocument) render(ctx context.Context) ([]byte, error) {
	parts, err := d.w.g.Parts(ctx, d.msg)
	if err != nil {
		return nil, err
	}
	if d.w.svc.Sanitizer == nil {
		return nil, errors.New("no sanitizer configured")
	}
	body, err := d.w.svc.Sanitizer.Sanitize(ctx, parts)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, a := range attach.Find(parts, false, nil) {
		names = append(names, a.Disposition.Filename)
	}
	return document.Render(document.View{
		Headers:     document.HeadersFrom(d.meta.Header),
		Body:        template.HTML(body), // #nosec G203 - body is sanitized
		Attachments: names,
	})
}
