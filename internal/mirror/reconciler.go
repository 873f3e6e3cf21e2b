// Package mirror copies the export graph into a tablestore.Store. Every label,
// thread, participant and message gets exactly one row, found by its natural
// key, and message rows link to the rows of their thread, labels and
// participants. Running it again against the same store changes nothing.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joshsymonds/gmailexport/internal/gmail"
	"github.com/joshsymonds/gmailexport/internal/graph"
	"github.com/joshsymonds/gmailexport/internal/naming"
	"github.com/joshsymonds/gmailexport/internal/tablestore"
)

// Field names shared with the store's schema.
const (
	fieldLabelID   = "labelId"
	fieldThreadID  = "threadId"
	fieldMessageID = "messageId"
	fieldAddress   = "Address"
	fieldName      = "Name"
	fieldSubject   = "Subject"
	fieldDate      = "Date"
	fieldThread    = "Thread"
	fieldLabels    = "Labels"
)

var addressHeaders = []string{"From", "To", "Cc"}

// TableReport counts what happened to one table.
type TableReport struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Linked   int `json:"linked"`
}

// Report is the outcome of one reconciliation.
type Report struct {
	Labels   TableReport `json:"labels"`
	Threads  TableReport `json:"threads"`
	Emails   TableReport `json:"emails"`
	Messages TableReport `json:"messages"`
}

// Writes is the number of inserts and updates issued.
func (r Report) Writes() int {
	n := 0
	for _, t := range []TableReport{r.Labels, r.Threads, r.Emails, r.Messages} {
		n += t.Inserted + t.Updated
	}
	return n
}

// Reconciler mirrors a graph into Store.
type Reconciler struct {
	Store  tablestore.Store
	Logger *slog.Logger
}

func NewReconciler(store tablestore.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Reconciler{Store: store, Logger: logger}
}

type addresses map[string][]*graph.Participant

// Run reconciles labels, threads, participants and messages in that order,
// since message rows reference the other three. Record ids are written back
// onto the graph entities.
func (r *Reconciler) Run(ctx context.Context, g *graph.Graph) (Report, error) {
	var rep Report
	r.Logger.InfoContext(ctx, "mirroring graph", "labels", len(g.Labels()), "threads", len(g.Threads()), "messages", len(g.Messages()))

	if err := r.labels(ctx, g, &rep.Labels); err != nil {
		return rep, err
	}
	if err := r.threads(ctx, g, &rep.Threads); err != nil {
		return rep, err
	}
	headers, err := r.collect(ctx, g)
	if err != nil {
		return rep, err
	}
	if err := r.emails(ctx, g, &rep.Emails); err != nil {
		return rep, err
	}
	if err := r.messages(ctx, g, headers, &rep.Messages); err != nil {
		return rep, err
	}
	r.Logger.InfoContext(ctx, "mirror complete", "writes", rep.Writes())
	return rep, nil
}

// index maps each row's key field to its row.
func (r *Reconciler) index(ctx context.Context, table, key string, fields ...string) (map[string]tablestore.Row, error) {
	rows, err := r.Store.ListRows(ctx, table, append([]string{key}, fields...))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	out := make(map[string]tablestore.Row, len(rows))
	for _, row := range rows {
		k, _ := row.Fields[key].(string)
		if table == tablestore.TableEmails {
			k = strings.ToLower(strings.TrimSpace(k))
		}
		if k == "" {
			continue
		}
		if _, dup := out[k]; !dup {
			out[k] = row
		}
	}
	return out, nil
}

func (r *Reconciler) insert(ctx context.Context, table string, fields map[string]any) (string, error) {
	row, err := r.Store.InsertRow(ctx, table, fields)
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", table, err)
	}
	return row.ID, nil
}

// link records id on an entity that has none yet.
func link(recordID *string, id string, rep *TableReport) {
	if *recordID == "" {
		*recordID = id
		rep.Linked++
	}
}

func (r *Reconciler) labels(ctx context.Context, g *graph.Graph, rep *TableReport) error {
	existing, err := r.index(ctx, tablestore.TableLabels, fieldLabelID)
	if err != nil {
		return err
	}
	for _, l := range g.Labels() {
		if row, ok := existing[string(l.ID)]; ok {
			link(&l.RecordID, row.ID, rep)
			continue
		}
		id, err := r.insert(ctx, tablestore.TableLabels, map[string]any{
			fieldLabelID: string(l.ID),
			fieldName:    l.Name,
		})
		if err != nil {
			return err
		}
		l.RecordID = id
		rep.Inserted++
		r.Logger.DebugContext(ctx, "inserted label", "label", l.Name, "record", id)
	}
	return nil
}

func (r *Reconciler) threads(ctx context.Context, g *graph.Graph, rep *TableReport) error {
	existing, err := r.index(ctx, tablestore.TableThreads, fieldThreadID)
	if err != nil {
		return err
	}
	for _, th := range g.Threads() {
		if row, ok := existing[string(th.ID)]; ok {
			link(&th.RecordID, row.ID, rep)
			continue
		}
		name, err := g.ResolveThread(ctx, th)
		if err != nil {
			return fmt.Errorf("resolve thread %s: %w", th.ID, err)
		}
		id, err := r.insert(ctx, tablestore.TableThreads, map[string]any{
			fieldThreadID: string(th.ID),
			fieldName:     name,
			fieldSubject:  th.Subject(),
			fieldDate:     formatDate(th.Date(), g.Location()),
		})
		if err != nil {
			return err
		}
		th.RecordID = id
		rep.Inserted++
		r.Logger.DebugContext(ctx, "inserted thread", "thread", th.ID, "record", id)
	}
	return nil
}

// collect parses every message's address headers, registering participants
// on the graph before their rows are reconciled.
func (r *Reconciler) collect(ctx context.Context, g *graph.Graph) (map[gmail.MessageID]addresses, error) {
	out := make(map[gmail.MessageID]addresses, len(g.Messages()))
	for _, m := range g.Messages() {
		per := addresses{}
		for _, h := range addressHeaders {
			ps, err := g.ParticipantsOf(ctx, m, h)
			if err != nil {
				return nil, fmt.Errorf("read %s of %s: %w", h, m.ID, err)
			}
			per[h] = ps
		}
		out[m.ID] = per
	}
	return out, nil
}

func (r *Reconciler) emails(ctx context.Context, g *graph.Graph, rep *TableReport) error {
	existing, err := r.index(ctx, tablestore.TableEmails, fieldAddress, fieldName)
	if err != nil {
		return err
	}
	for _, p := range g.Participants() {
		row, ok := existing[p.Address]
		if !ok {
			id, err := r.insert(ctx, tablestore.TableEmails, map[string]any{
				fieldAddress: p.Address,
				fieldName:    p.Name,
			})
			if err != nil {
				return err
			}
			p.RecordID = id
			rep.Inserted++
			continue
		}
		link(&p.RecordID, row.ID, rep)
		remote, _ := row.Fields[fieldName].(string)
		if p.Name == "" || p.Name == remote {
			continue
		}
		if _, err := r.Store.UpdateRow(ctx, tablestore.TableEmails, row.ID, map[string]any{fieldName: p.Name}); err != nil {
			return fmt.Errorf("update %s: %w", tablestore.TableEmails, err)
		}
		rep.Updated++
		r.Logger.DebugContext(ctx, "refreshed participant name", "address", p.Address, "name", p.Name)
	}
	return nil
}

func (r *Reconciler) messages(ctx context.Context, g *graph.Graph, headers map[gmail.MessageID]addresses, rep *TableReport) error {
	existing, err := r.index(ctx, tablestore.TableMessages, fieldMessageID, fieldLabels)
	if err != nil {
		return err
	}
	for _, m := range g.Messages() {
		labels := labelRecords(g, m)
		if row, ok := existing[string(m.ID)]; ok {
			link(&m.RecordID, row.ID, rep)
			current := stringList(row.Fields[fieldLabels])
			merged := union(current, labels)
			if len(merged) == len(current) {
				continue
			}
			if _, err := r.Store.UpdateRow(ctx, tablestore.TableMessages, row.ID, map[string]any{fieldLabels: merged}); err != nil {
				return fmt.Errorf("update %s: %w", tablestore.TableMessages, err)
			}
			rep.Updated++
			r.Logger.DebugContext(ctx, "merged message labels", "message", m.ID, "labels", len(merged))
			continue
		}

		meta, err := g.Metadata(ctx, m)
		if err != nil {
			return fmt.Errorf("read message %s: %w", m.ID, err)
		}
		subject := meta.Header("Subject")
		fields := map[string]any{
			fieldMessageID: string(m.ID),
			fieldSubject:   subject,
			fieldName:      naming.MessageBase(meta.Date, g.Location(), subject),
			fieldDate:      formatDate(meta.Date, g.Location()),
			fieldLabels:    labels,
		}
		if th, ok := g.Thread(m.ThreadID); ok && th.RecordID != "" {
			fields[fieldThread] = []string{th.RecordID}
		}
		for _, h := range addressHeaders {
			fields[h] = participantRecords(headers[m.ID][h])
		}
		id, err := r.insert(ctx, tablestore.TableMessages, fields)
		if err != nil {
			return err
		}
		m.RecordID = id
		rep.Inserted++
		r.Logger.DebugContext(ctx, "inserted message", "message", m.ID, "record", id)
	}
	return nil
}

func labelRecords(g *graph.Graph, m *graph.Message) []string {
	out := make([]string, 0, len(m.LabelIDs))
	for _, id := range m.LabelIDs {
		if l, ok := g.Label(id); ok && l.RecordID != "" {
			out = append(out, l.RecordID)
		}
	}
	return out
}

func participantRecords(ps []*graph.Participant) []string {
	out := make([]string, 0, len(ps))
	seen := map[string]bool{}
	for _, p := range ps {
		if p.RecordID == "" || seen[p.RecordID] {
			continue
		}
		seen[p.RecordID] = true
		out = append(out, p.RecordID)
	}
	return out
}

// union keeps current in order and appends what it lacks from add.
func union(current, add []string) []string {
	out := append([]string(nil), current...)
	seen := make(map[string]bool, len(current))
	for _, id := range current {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// stringList reads a link field, which the store may return as []string or
// as decoded JSON.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func formatDate(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(time.RFC3339)
}
