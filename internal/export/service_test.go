package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/gmailexport/internal/gmail"
	"github.com/joshsymonds/gmailexport/internal/naming"
	"github.com/joshsymonds/gmailexport/internal/pdf"
	"github.com/joshsymonds/gmailexport/internal/runtime"
	"github.com/joshsymonds/gmailexport/internal/sanitize"
)

type fakeClient struct {
	labels  []gmail.Label
	pages   map[gmail.LabelID][]gmail.ListPage
	metas   map[gmail.MessageID]gmail.MessageMeta
	raws    map[gmail.MessageID][]byte
	threads map[gmail.ThreadID]gmail.ThreadMeta

	listErr   map[gmail.LabelID]error
	listFails map[gmail.LabelID]int
	rawCalls  int
	tokens   []string
}

func (f *fakeClient) ListLabels(ctx context.Context) ([]gmail.Label, error) {
	_ = ctx
	return f.labels, nil
}

func (f *fakeClient) List(ctx context.Context, label gmail.LabelID, pageToken string, pageSize int) (gmail.ListPage, error) {
	_ = ctx
	_ = pageSize
	if err := f.listErr[label]; err != nil {
		return gmail.ListPage{}, err
	}
	if f.listFails[label] > 0 {
		f.listFails[label]--
		return gmail.ListPage{}, &gmail.ServiceError{Op: "list", Status: 503, Err: errors.New("backend unavailable")}
	}
	f.tokens = append(f.tokens, pageToken)
	pages := f.pages[label]
	idx := 0
	if pageToken != "" {
		_, _ = fmt.Sscanf(pageToken, "page-%d", &idx)
	}
	if idx >= len(pages) {
		return gmail.ListPage{}, nil
	}
	return pages[idx], nil
}

func (f *fakeClient) GetMetadata(ctx context.Context, id gmail.MessageID, headers []string) (gmail.MessageMeta, error) {
	_ = ctx
	_ = headers
	meta, ok := f.metas[id]
	if !ok {
		return gmail.MessageMeta{}, errors.New("not found")
	}
	return meta, nil
}

func (f *fakeClient) GetRaw(ctx context.Context, id gmail.MessageID) (gmail.RawMessage, error) {
	_ = ctx
	f.rawCalls++
	return gmail.RawMessage{ID: id, Raw: f.raws[id]}, nil
}

func (f *fakeClient) GetThread(ctx context.Context, id gmail.ThreadID, headers []string) (gmail.ThreadMeta, error) {
	_ = ctx
	_ = headers
	return f.threads[id], nil
}

func (f *fakeClient) add(id gmail.MessageID, thread gmail.ThreadID, subject string, date time.Time, raw string) {
	if f.metas == nil {
		f.metas = map[gmail.MessageID]gmail.MessageMeta{}
		f.raws = map[gmail.MessageID][]byte{}
		f.threads = map[gmail.ThreadID]gmail.ThreadMeta{}
	}
	meta := gmail.MessageMeta{
		ID:       id,
		ThreadID: thread,
		Date:     date,
		Headers:  map[string]string{"Subject": subject, "From": "Shop <shop@example.com>", "To": "me@example.com"},
	}
	f.metas[id] = meta
	f.raws[id] = []byte(raw)
	th := f.threads[thread]
	th.ID = thread
	th.Messages = append(th.Messages, meta)
	f.threads[thread] = th
}

type fakeConverter struct {
	calls int
	err   error
}

func (c *fakeConverter) Convert(ctx context.Context, html []byte, dest string) error {
	_ = ctx
	c.calls++
	if c.err != nil {
		return c.err
	}
	return os.WriteFile(dest, append([]byte("%PDF "), html[:min(len(html), 16)]...), 0o600)
}

func slogDiscard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestService(client *fakeClient, conv pdf.Converter) *Service {
	svc := NewService(client, nil, slogDiscard(), sanitize.New(nil, slogDiscard()), conv)
	svc.Clock = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

const receiptRaw = "Subject: Receipt\r\nContent-Type: text/html; charset=utf-8\r\n\r\n<p>Thanks for your order</p>\r\n"

const noBodyRaw = "Subject: Scan\r\nContent-Type: multipart/mixed; boundary=XX\r\n\r\n" +
	"--XX\r\nContent-Type: application/pdf\r\nContent-Disposition: attachment; filename=\"scan.pdf\"\r\nContent-Transfer-Encoding: base64\r\n\r\n" +
	"JVBERi0=\r\n--XX--\r\n"

const withAttachmentsRaw = "Subject: Docs\r\nContent-Type: multipart/mixed; boundary=XX\r\n\r\n" +
	"--XX\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nsee attached\r\n" +
	"--XX\r\nContent-Type: text/plain\r\nContent-Disposition: attachment; filename=\"notes.txt\"\r\n\r\none\r\n" +
	"--XX\r\nContent-Type: text/plain\r\nContent-Disposition: attachment; filename=\"notes.txt\"\r\n\r\ntwo\r\n" +
	"--XX--\r\n"

func receiptsClient() *fakeClient {
	client := &fakeClient{
		labels: []gmail.Label{{ID: "Label_1", Name: "Receipts", Type: "user"}},
	}
	d1 := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 1, 3, 11, 30, 0, 0, time.UTC)
	client.add("m1", "t1", "Order 1", d1, receiptRaw)
	client.add("m2", "t2", "Order 2", d2, receiptRaw)
	client.pages = map[gmail.LabelID][]gmail.ListPage{
		"Label_1": {{Messages: []gmail.MessageRef{{ID: "m1", ThreadID: "t1"}, {ID: "m2", ThreadID: "t2"}}}},
	}
	return client
}

func receiptsOptions(root string) Options {
	return Options{
		Root:    root,
		Labels:  []gmail.Label{{ID: "Label_1", Name: "Receipts"}},
		Formats: Formats{EML: true, PDF: true},
	}
}

func collectFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return relErr
			}
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestRunWritesEmlAndPDFPerMessage(t *testing.T) {
	root := t.TempDir()
	client := receiptsClient()
	conv := &fakeConverter{}
	svc := newTestService(client, conv)

	g, sum, err := svc.Run(context.Background(), receiptsOptions(root))
	require.NoError(t, err)
	require.NotNil(t, g)

	d1 := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 1, 3, 11, 30, 0, 0, time.UTC)
	t1 := naming.ThreadName(d1, time.UTC, "Order 1")
	t2 := naming.ThreadName(d2, time.UTC, "Order 2")
	b1 := naming.MessageBase(d1, time.UTC, "Order 1")
	b2 := naming.MessageBase(d2, time.UTC, "Order 2")
	assert.ElementsMatch(t, []string{
		"Receipts/" + t1 + "/" + b1 + ".eml",
		"Receipts/" + t1 + "/" + b1 + ".pdf",
		"Receipts/" + t2 + "/" + b2 + ".eml",
		"Receipts/" + t2 + "/" + b2 + ".pdf",
	}, collectFiles(t, root))

	eml, err := os.ReadFile(filepath.Join(root, "Receipts", t1, b1+".eml"))
	require.NoError(t, err)
	assert.Equal(t, receiptRaw, string(eml))

	assert.Equal(t, 2, sum.Messages)
	assert.Equal(t, 4, sum.Written)
	assert.Zero(t, sum.Failed)
	require.Len(t, sum.Labels, 1)
	assert.Equal(t, StateDone, sum.Labels[0].State)
	assert.Equal(t, 2, sum.Labels[0].Threads)
	assert.Equal(t, 2, conv.calls)
}

func TestRunSkipsExistingFilesWithoutOverwrite(t *testing.T) {
	root := t.TempDir()
	_, _, err := newTestService(receiptsClient(), &fakeConverter{}).Run(context.Background(), receiptsOptions(root))
	require.NoError(t, err)

	client := receiptsClient()
	conv := &fakeConverter{}
	_, sum, err := newTestService(client, conv).Run(context.Background(), receiptsOptions(root))
	require.NoError(t, err)

	assert.Zero(t, sum.Written)
	assert.Equal(t, 4, sum.Skipped)
	assert.Zero(t, client.rawCalls, "no raw fetch when every artifact exists")
	assert.Zero(t, conv.calls)

	opts := receiptsOptions(root)
	opts.Overwrite = true
	_, sum, err = newTestService(receiptsClient(), &fakeConverter{}).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Written)
}

func TestRunExportsOverlappingLabelsOnce(t *testing.T) {
	root := t.TempDir()
	client := receiptsClient()
	client.pages["INBOX"] = []gmail.ListPage{{Messages: []gmail.MessageRef{{ID: "m1", ThreadID: "t1"}}}}
	opts := receiptsOptions(root)
	opts.Labels = []gmail.Label{{ID: "INBOX", Name: "Inbox"}, {ID: "Label_1", Name: "Receipts"}}
	opts.Formats = Formats{EML: true}

	g, sum, err := newTestService(client, nil).Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Len(t, collectFiles(t, root), 2)
	assert.Equal(t, 2, sum.Messages)
	assert.Equal(t, 1, sum.Duplicates)

	m1, ok := g.Message("m1")
	require.True(t, ok)
	assert.Equal(t, []gmail.LabelID{"INBOX", "Label_1"}, m1.LabelIDs)

	files := collectFiles(t, root)
	var inInbox int
	for _, f := range files {
		if strings.HasPrefix(f, "Inbox/") {
			inInbox++
		}
	}
	assert.Equal(t, 1, inInbox)
	assert.Equal(t, 1, sum.Labels[1].Messages)
}

func TestRunPaginates(t *testing.T) {
	root := t.TempDir()
	client := receiptsClient()
	client.pages["Label_1"] = []gmail.ListPage{
		{Messages: []gmail.MessageRef{{ID: "m1", ThreadID: "t1"}}, NextPageToken: "page-1"},
		{Messages: []gmail.MessageRef{{ID: "m2", ThreadID: "t2"}}},
	}
	opts := receiptsOptions(root)
	opts.Formats = Formats{EML: true}

	_, sum, err := newTestService(client, nil).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"", "page-1"}, client.tokens)
	assert.Equal(t, 2, sum.Messages)
}

func TestRunCountsMessagesWithoutBody(t *testing.T) {
	root := t.TempDir()
	client := &fakeClient{}
	date := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	client.add("m1", "t1", "Scan", date, noBodyRaw)
	client.pages = map[gmail.LabelID][]gmail.ListPage{"Label_1": {{Messages: []gmail.MessageRef{{ID: "m1", ThreadID: "t1"}}}}}
	opts := receiptsOptions(root)
	opts.Formats = Formats{EML: true, HTML: true, PDF: true, Attachments: true}
	conv := &fakeConverter{}

	_, sum, err := newTestService(client, conv).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NoBody)
	assert.Zero(t, sum.Failed)
	assert.Zero(t, conv.calls)

	files := collectFiles(t, root)
	require.Len(t, files, 2)
	prefix := naming.AttachmentPrefix(date, time.UTC)
	assert.Contains(t, strings.Join(files, "\n"), prefix+"-scan.pdf")
}

func TestRunWritesHTMLAndNumbersRepeatedAttachments(t *testing.T) {
	root := t.TempDir()
	client := &fakeClient{}
	date := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	client.add("m1", "t1", "Docs", date, withAttachmentsRaw)
	client.pages = map[gmail.LabelID][]gmail.ListPage{"Label_1": {{Messages: []gmail.MessageRef{{ID: "m1", ThreadID: "t1"}}}}}
	opts := receiptsOptions(root)
	opts.Formats = Formats{HTML: true, Attachments: true}

	_, sum, err := newTestService(client, nil).Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Written)

	dir := filepath.Join(root, "Receipts", naming.ThreadName(date, time.UTC, "Docs"))
	prefix := naming.AttachmentPrefix(date, time.UTC)
	one, err := os.ReadFile(filepath.Join(dir, prefix+"-notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one", strings.TrimSpace(string(one)))
	two, err := os.ReadFile(filepath.Join(dir, prefix+"-notes_001.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", strings.TrimSpace(string(two)))

	doc, err := os.ReadFile(filepath.Join(dir, naming.MessageBase(date, time.UTC, "Docs")+".html"))
	require.NoError(t, err)
	assert.Contains(t, string(doc), "see attached")
	assert.Contains(t, string(doc), "notes.txt")
}

func TestRunFailedConversionLeavesNoPDF(t *testing.T) {
	root := t.TempDir()
	conv := &fakeConverter{err: errors.New("exit status 1")}
	_, sum, err := newTestService(receiptsClient(), conv).Run(context.Background(), receiptsOptions(root))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed)
	for _, f := range collectFiles(t, root) {
		assert.NotContains(t, f, ".pdf")
	}
}

func TestRunIsolatesLabelFailures(t *testing.T) {
	root := t.TempDir()
	client := receiptsClient()
	client.listErr = map[gmail.LabelID]error{"Label_9": &gmail.ServiceError{Op: "list", Status: 500, Err: errors.New("boom")}}
	opts := receiptsOptions(root)
	opts.Formats = Formats{EML: true}
	opts.Labels = []gmail.Label{{ID: "Label_9", Name: "Broken"}, {ID: "Label_1", Name: "Receipts"}}

	_, sum, err := newTestService(client, nil).Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, sum.Labels, 2)
	assert.Equal(t, StateFailed, sum.Labels[0].State)
	assert.Contains(t, sum.Labels[0].Error, "boom")
	assert.Equal(t, StateDone, sum.Labels[1].State)
	assert.Equal(t, 1, sum.FailedLabels())
}

func TestRunRetriesFailedListPageOnce(t *testing.T) {
	root := t.TempDir()
	client := receiptsClient()
	client.listFails = map[gmail.LabelID]int{"Label_1": 1}
	opts := receiptsOptions(root)
	opts.Formats = Formats{EML: true}

	_, sum, err := newTestService(client, nil).Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, sum.Labels, 1)
	assert.Equal(t, StateDone, sum.Labels[0].State)
	assert.Positive(t, sum.Messages)

	client = receiptsClient()
	client.listFails = map[gmail.LabelID]int{"Label_1": 2}
	_, sum, err = newTestService(client, nil).Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, sum.Labels, 1)
	assert.Equal(t, StateFailed, sum.Labels[0].State)
	assert.Contains(t, sum.Labels[0].Error, "backend unavailable")
}

func TestRunStopsOnAuthError(t *testing.T) {
	root := t.TempDir()
	client := receiptsClient()
	authErr := &runtime.AuthError{Op: "list", Err: errors.New("token revoked")}
	client.listErr = map[gmail.LabelID]error{"INBOX": authErr}
	opts := receiptsOptions(root)
	opts.Labels = []gmail.Label{{ID: "INBOX", Name: "Inbox"}, {ID: "Label_1", Name: "Receipts"}}

	_, sum, err := newTestService(client, nil).Run(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, runtime.IsAuthError(err))
	require.Len(t, sum.Labels, 1)
	assert.Equal(t, StateFailed, sum.Labels[0].State)
}

func TestRunValidatesOptions(t *testing.T) {
	svc := newTestService(receiptsClient(), nil)
	_, _, err := svc.Run(context.Background(), Options{Root: t.TempDir(), Formats: Formats{EML: true}})
	require.Error(t, err)
	_, _, err = svc.Run(context.Background(), Options{Root: t.TempDir(), Labels: []gmail.Label{{ID: "INBOX"}}})
	require.Error(t, err)
	_, _, err = svc.Run(context.Background(), Options{Labels: []gmail.Label{{ID: "INBOX"}}, Formats: Formats{EML: true}})
	require.Error(t, err)
}

func TestParseFormats(t *testing.T) {
	f, err := ParseFormats([]string{"EML", " html5 ", "att", "inl", ""})
	require.NoError(t, err)
	assert.Equal(t, Formats{EML: true, HTML: true, Attachments: true, Inline: true}, f)
	assert.True(t, f.Any())

	_, err = ParseFormats([]string{"docx"})
	require.Error(t, err)

	empty, err := ParseFormats(nil)
	require.NoError(t, err)
	assert.False(t, empty.Any())
}

func TestResolveLabels(t *testing.T) {
	client := &fakeClient{labels: []gmail.Label{
		{ID: "INBOX", Name: "INBOX", Type: "system"},
		{ID: "Label_1", Name: "Receipts", Type: "user"},
	}}
	labels, err := ResolveLabels(context.Background(), client, []LabelRef{
		{ID: "Label_1"},
		{Name: "receipts"},
		{ID: "inbox"},
	})
	require.NoError(t, err)
	assert.Equal(t, []gmail.Label{
		{ID: "Label_1", Name: "Receipts", Type: "user"},
		{ID: "INBOX", Name: "INBOX", Type: "system"},
	}, labels)

	_, err = ResolveLabels(context.Background(), client, []LabelRef{{Name: "Missing"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Missing")
}

func TestUserLabels(t *testing.T) {
	labels := []gmail.Label{
		{ID: "INBOX", Name: "INBOX", Type: "system"},
		{ID: "Label_2", Name: "work", Type: "user"},
		{ID: "Label_1", Name: "Archive", Type: "user"},
	}
	got := UserLabels(labels, false)
	require.Len(t, got, 2)
	assert.Equal(t, "Archive", got[0].Name)
	assert.Equal(t, "work", got[1].Name)
	assert.Len(t, UserLabels(labels, true), 3)
}

func TestPrintHuman(t *testing.T) {
	sum := Summary{
		StartedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2024, 3, 1, 12, 0, 42, 0, time.UTC),
		Labels: []LabelResult{
			{Name: "Receipts", State: StateDone, Threads: 2, Messages: 3},
			{Name: "Broken", State: StateFailed, Error: "list label Broken: boom"},
		},
		Messages:   3,
		Duplicates: 1,
		NoBody:     1,
		Written:    5,
	}
	var buf bytes.Buffer
	require.NoError(t, PrintHuman(sum, &buf))
	out := buf.String()
	assert.Contains(t, out, "3 messages across 2 labels in 42s")
	assert.Contains(t, out, "Receipts")
	assert.Contains(t, out, "(list label Broken: boom)")
	assert.Contains(t, out, "written 5, skipped 0, failed 0")
	assert.Contains(t, out, "1 messages already reached through another label")
	assert.Contains(t, out, "1 messages without a text body")
	assert.NotContains(t, out, "attachments skipped")
}

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	sum := Summary{Messages: 2, Labels: []LabelResult{{ID: "Label_1", Name: "Receipts", State: StateDone}}}
	require.NoError(t, WriteJSON(sum, "summary.json"))
	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"messages": 2`)
	assert.Contains(t, string(data), `"state": "done"`)

	require.Error(t, WriteJSON(sum, ""))
	require.Error(t, WriteJSON(sum, "/tmp/summary.json"))
	require.Error(t, WriteJSON(sum, "../summary.json"))
	require.Error(t, WriteJSON(sum, "out/../../summary.json"))
}
