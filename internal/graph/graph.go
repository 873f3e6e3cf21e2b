// Package graph holds the labels, threads, messages and participants reached
// during one run. Entities live in maps keyed by their natural id and refer to
// each other by id. Remote-backed properties are fetched at most once.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joshsymonds/gmailexport/internal/gmail"
	"github.com/joshsymonds/gmailexport/internal/mimepart"
	"github.com/joshsymonds/gmailexport/internal/naming"
	"github.com/joshsymonds/gmailexport/internal/rate"
)

// Source is the subset of gmail.Client the graph fetches from.
type Source interface {
	GetMetadata(ctx context.Context, id gmail.MessageID, headers []string) (gmail.MessageMeta, error)
	GetRaw(ctx context.Context, id gmail.MessageID) (gmail.RawMessage, error)
	GetThread(ctx context.Context, id gmail.ThreadID, headers []string) (gmail.ThreadMeta, error)
}

type Label struct {
	ID   gmail.LabelID
	Name string
	Path string // export directory for the label

	ThreadIDs  []gmail.ThreadID  // distinct, first-seen order
	MessageIDs []gmail.MessageID // listing order
	RecordID   string            // remote store row, once mirrored
}

type Thread struct {
	ID       gmail.ThreadID
	Dir      string // assigned once, on first export
	RecordID string

	resolved bool
	name     string
	subject  string
	date     time.Time
}

// Name returns the resolved directory name, or "" before resolution.
func (t *Thread) Name() string { return t.name }

// Subject and Date describe the thread's first message once resolved.
func (t *Thread) Subject() string { return t.subject }

func (t *Thread) Date() time.Time { return t.date }

type Message struct {
	ID       gmail.MessageID
	ThreadID gmail.ThreadID
	LabelIDs []gmail.LabelID
	RecordID string
	Exported bool

	meta  *gmail.MessageMeta
	raw   []byte
	parts *mimepart.Part
}

// Participant is an address seen in From, To or Cc.
type Participant struct {
	Address  string // lowercased, trimmed
	Name     string
	RecordID string
}

type Graph struct {
	src     Source
	limiter rate.Limiter
	loc     *time.Location

	labels     map[gmail.LabelID]*Label
	labelOrder []gmail.LabelID

	threads     map[gmail.ThreadID]*Thread
	threadOrder []gmail.ThreadID

	messages     map[gmail.MessageID]*Message
	messageOrder []gmail.MessageID

	participants     map[string]*Participant
	participantOrder []string
}

// New returns an empty graph. loc is used for every derived name.
func New(src Source, limiter rate.Limiter, loc *time.Location) *Graph {
	if loc == nil {
		loc = time.UTC
	}
	return &Graph{
		src:          src,
		limiter:      limiter,
		loc:          loc,
		labels:       map[gmail.LabelID]*Label{},
		threads:      map[gmail.ThreadID]*Thread{},
		messages:     map[gmail.MessageID]*Message{},
		participants: map[string]*Participant{},
	}
}

func (g *Graph) Location() *time.Location { return g.loc }

// AddLabel registers a label, returning the existing one when already known.
func (g *Graph) AddLabel(id gmail.LabelID, name string) *Label {
	if l, ok := g.labels[id]; ok {
		return l
	}
	l := &Label{ID: id, Name: name}
	g.labels[id] = l
	g.labelOrder = append(g.labelOrder, id)
	return l
}

// Link attaches listed messages to label. Unknown messages and threads are
// created; known messages only gain the label. It returns how many refs
// pointed at messages already reached through another label.
func (g *Graph) Link(label *Label, refs []gmail.MessageRef) int {
	seenThread := make(map[gmail.ThreadID]bool, len(label.ThreadIDs))
	for _, tid := range label.ThreadIDs {
		seenThread[tid] = true
	}
	seenMessage := make(map[gmail.MessageID]bool, len(label.MessageIDs))
	for _, mid := range label.MessageIDs {
		seenMessage[mid] = true
	}

	duplicates := 0
	for _, ref := range refs {
		if seenMessage[ref.ID] {
			continue
		}
		seenMessage[ref.ID] = true
		th := g.thread(ref.ThreadID)
		if !seenThread[th.ID] {
			seenThread[th.ID] = true
			label.ThreadIDs = append(label.ThreadIDs, th.ID)
		}
		label.MessageIDs = append(label.MessageIDs, ref.ID)

		if m, ok := g.messages[ref.ID]; ok {
			duplicates++
			m.LabelIDs = appendLabel(m.LabelIDs, label.ID)
			continue
		}
		g.messages[ref.ID] = &Message{ID: ref.ID, ThreadID: th.ID, LabelIDs: []gmail.LabelID{label.ID}}
		g.messageOrder = append(g.messageOrder, ref.ID)
	}
	return duplicates
}

func (g *Graph) thread(id gmail.ThreadID) *Thread {
	if t, ok := g.threads[id]; ok {
		return t
	}
	t := &Thread{ID: id}
	g.threads[id] = t
	g.threadOrder = append(g.threadOrder, id)
	return t
}

func appendLabel(ids []gmail.LabelID, id gmail.LabelID) []gmail.LabelID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func (g *Graph) Label(id gmail.LabelID) (*Label, bool) {
	l, ok := g.labels[id]
	return l, ok
}

func (g *Graph) Thread(id gmail.ThreadID) (*Thread, bool) {
	t, ok := g.threads[id]
	return t, ok
}

func (g *Graph) Message(id gmail.MessageID) (*Message, bool) {
	m, ok := g.messages[id]
	return m, ok
}

// Labels returns labels in registration order.
func (g *Graph) Labels() []*Label {
	out := make([]*Label, 0, len(g.labelOrder))
	for _, id := range g.labelOrder {
		out = append(out, g.labels[id])
	}
	return out
}

// Threads returns threads in discovery order.
func (g *Graph) Threads() []*Thread {
	out := make([]*Thread, 0, len(g.threadOrder))
	for _, id := range g.threadOrder {
		out = append(out, g.threads[id])
	}
	return out
}

// Messages returns messages in discovery order.
func (g *Graph) Messages() []*Message {
	out := make([]*Message, 0, len(g.messageOrder))
	for _, id := range g.messageOrder {
		out = append(out, g.messages[id])
	}
	return out
}

// Participants returns participants in first-seen order.
func (g *Graph) Participants() []*Participant {
	out := make([]*Participant, 0, len(g.participantOrder))
	for _, addr := range g.participantOrder {
		out = append(out, g.participants[addr])
	}
	return out
}

// MessagesByThread groups label's messages by thread, keeping listing order
// inside each group.
func (g *Graph) MessagesByThread(label *Label) map[gmail.ThreadID][]gmail.MessageID {
	out := make(map[gmail.ThreadID][]gmail.MessageID, len(label.ThreadIDs))
	for _, mid := range label.MessageIDs {
		m := g.messages[mid]
		out[m.ThreadID] = append(out[m.ThreadID], mid)
	}
	return out
}

func (g *Graph) wait(ctx context.Context, operation string) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}

// ResolveThread derives the thread's name from its first message. A thread
// without messages is named after its id.
func (g *Graph) ResolveThread(ctx context.Context, t *Thread) (string, error) {
	if t.resolved {
		return t.name, nil
	}
	if err := g.wait(ctx, "rate limit thread"); err != nil {
		return "", err
	}
	meta, err := g.src.GetThread(ctx, t.ID, []string{"Subject"})
	if err != nil {
		return "", fmt.Errorf("get thread %s: %w", t.ID, err)
	}
	if len(meta.Messages) == 0 {
		t.name = string(t.ID)
	} else {
		first := meta.Messages[0]
		t.subject = first.Header("Subject")
		t.date = first.Date
		t.name = naming.ThreadName(first.Date, g.loc, t.subject)
	}
	t.resolved = true
	return t.name, nil
}

// Metadata fetches the message's headers once.
func (g *Graph) Metadata(ctx context.Context, m *Message) (gmail.MessageMeta, error) {
	if m.meta != nil {
		return *m.meta, nil
	}
	if err := g.wait(ctx, "rate limit metadata"); err != nil {
		return gmail.MessageMeta{}, err
	}
	meta, err := g.src.GetMetadata(ctx, m.ID, gmail.MetadataHeaders())
	if err != nil {
		return gmail.MessageMeta{}, fmt.Errorf("get metadata %s: %w", m.ID, err)
	}
	m.meta = &meta
	return meta, nil
}

// Raw fetches the full message bytes once.
func (g *Graph) Raw(ctx context.Context, m *Message) ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}
	if err := g.wait(ctx, "rate limit raw"); err != nil {
		return nil, err
	}
	raw, err := g.src.GetRaw(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("get raw %s: %w", m.ID, err)
	}
	if raw.Raw == nil {
		raw.Raw = []byte{}
	}
	m.raw = raw.Raw
	return m.raw, nil
}

// Parts parses the raw message once.
func (g *Graph) Parts(ctx context.Context, m *Message) (*mimepart.Part, error) {
	if m.parts != nil {
		return m.parts, nil
	}
	raw, err := g.Raw(ctx, m)
	if err != nil {
		return nil, err
	}
	parts, err := mimepart.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", m.ID, err)
	}
	m.parts = parts
	return parts, nil
}

// Participant returns the participant for address, creating it when new. A
// non-empty name fills in a participant that has none.
func (g *Graph) Participant(address, name string) *Participant {
	key := strings.ToLower(strings.TrimSpace(address))
	name = strings.TrimSpace(name)
	if p, ok := g.participants[key]; ok {
		if p.Name == "" && name != "" {
			p.Name = name
		}
		return p
	}
	p := &Participant{Address: key, Name: name}
	g.participants[key] = p
	g.participantOrder = append(g.participantOrder, key)
	return p
}
