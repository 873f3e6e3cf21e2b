package attach

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/gmailexport/internal/mimepart"
)

func parse(t *testing.T, lines ...string) *mimepart.Part {
	t.Helper()
	root, err := mimepart.Parse([]byte(strings.Join(lines, "\r\n")))
	require.NoError(t, err)
	return root
}

func message(t *testing.T) *mimepart.Part {
	return parse(t,
		`Content-Type: multipart/mixed; boundary="b"`,
		"",
		"--b",
		"Content-Type: text/plain",
		"",
		"hello",
		"--b",
		"Content-Type: image/png",
		"Content-Transfer-Encoding: base64",
		"Content-Disposition: inline; filename=\"logo.png\"",
		"",
		"iVBORw0KGgo=",
		"--b",
		"Content-Type: application/pdf",
		"Content-Transfer-Encoding: base64",
		"Content-Disposition: attachment;",
		"\tfilename=\"q1; final.pdf\"",
		"",
		"JVBERi0xLjQK",
		"--b",
		"Content-Type: text/csv; name=\"=?UTF-8?B?ZMOpcGVuc2VzLmNzdg==?=\"",
		"Content-Disposition: ATTACHMENT",
		"",
		"a,b",
		"--b",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment",
		"",
		"nameless",
		"--b",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Disposition: inline",
		"",
		"quoted reply body",
		"--b",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment; filename*=x-unknown-charset''abc",
		"",
		"unreadable",
		"--b--",
		"",
	)
}

func TestFindAttachments(t *testing.T) {
	var reported []error
	got := Find(message(t), false, func(err error) { reported = append(reported, err) })

	require.Len(t, got, 2)
	assert.Equal(t, "q1; final.pdf", got[0].Disposition.Filename)
	assert.Equal(t, "attachment", got[0].Disposition.Type)
	assert.Equal(t, "dépenses.csv", got[1].Disposition.Filename)

	require.Len(t, reported, 1, "only the undecodable filename is reported")
	assert.True(t, IsParseError(reported[0]))
	assert.Contains(t, reported[0].Error(), "x-unknown-charset")
}

func TestFindInline(t *testing.T) {
	var reported []error
	got := Find(message(t), true, func(err error) { reported = append(reported, err) })
	assert.Empty(t, reported, "an inline body without a filename is not an attachment")
	require.Len(t, got, 1)
	assert.Equal(t, "logo.png", got[0].Disposition.Filename)
	data, err := got[0].Part.Decoded()
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), data)
}

func TestParseDisposition(t *testing.T) {
	d := ParseDisposition("attachment;\r\n filename=\"a;b.txt\"; size=12; creation-date='x'")
	assert.Equal(t, "attachment", d.Type)
	assert.Equal(t, "a;b.txt", d.Params["filename"])
	assert.Equal(t, "12", d.Params["size"])
	assert.Equal(t, "x", d.Params["creation-date"])

	other := ParseDisposition("form-data; name=field")
	assert.Equal(t, "form-data", other.Type)
}

func TestFilenameForms(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{"plain", map[string]string{"filename": "report.pdf"}, "report.pdf"},
		{"rfc2047", map[string]string{"filename": "=?UTF-8?Q?r=C3=A9sum=C3=A9.pdf?="}, "résumé.pdf"},
		{"rfc2231", map[string]string{"filename*": "UTF-8''na%C3%AFve%20plan.txt"}, "naïve plan.txt"},
		{"rfc2231 latin1", map[string]string{"filename*": "iso-8859-1'fr'caf%E9.txt"}, "café.txt"},
		{"continuation", map[string]string{
			"filename*0*": "UTF-8''long%20",
			"filename*1":  "name",
			"filename*2*": "%2Etxt",
		}, "long name.txt"},
		{"extended wins", map[string]string{
			"filename":  "fallback.txt",
			"filename*": "UTF-8''preferred.txt",
		}, "preferred.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filename(tt.params, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilenameFailures(t *testing.T) {
	_, err := Filename(map[string]string{}, nil)
	assert.Error(t, err)

	_, err = Filename(map[string]string{"filename*": "no-quotes"}, nil)
	assert.Error(t, err)

	_, err = Filename(map[string]string{"filename*": "x-unknown-charset''abc"}, nil)
	assert.Error(t, err)
}

func TestFindAttachmentsInsideForwardedMessage(t *testing.T) {
	root := parse(t,
		`Content-Type: multipart/mixed; boundary="fwd"`,
		"",
		"--fwd",
		"Content-Type: message/rfc822",
		"Content-Disposition: attachment; filename=original.eml",
		"",
		`Content-Type: multipart/mixed; boundary="orig"`,
		"",
		"--orig",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=invoice.pdf",
		"",
		"%PDF-1.4",
		"--orig--",
		"--fwd--",
		"",
	)
	got := Find(root, false, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "original.eml", got[0].Disposition.Filename)
	assert.Equal(t, "invoice.pdf", got[1].Disposition.Filename)
}
