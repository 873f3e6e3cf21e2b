package naming

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toronto(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)
	return loc
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2023, 3, 5, 14, 7, 9, 0, time.UTC)
	assert.Equal(t, "2023-03-05-T090709", Timestamp(ts, toronto(t)))
	assert.Equal(t, "2023-03-05-T140709", Timestamp(ts, nil))
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"spaces", "Your receipt from Acme", "Your_receipt_from_Acme"},
		{"reply prefix", "Re: Lunch plans", "Lunch_plans"},
		{"disallowed", "Invoice #42 / $10 <ok>", "Invoice_42_10_ok"},
		{"accents kept", "Café élève", "Café_élève"},
		{"trim separators", "--_hello world_.", "hello_world"},
		{"empty", "!!!", ""},
		{"quotes and parens", "Bob's (draft)", "Bob's_(draft)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestCleanProperties(t *testing.T) {
	inputs := []string{
		"  Re:   multiple    spaces   here  ",
		strings.Repeat("long subject line ", 20),
		"emoji 🎉 and tabs\tand\nnewlines",
		"__--..,,",
		"Ünïcödé çà et là",
	}
	for _, in := range inputs {
		out := Clean(in)
		assert.NotContains(t, out, "__", in)
		assert.LessOrEqual(t, len([]rune(out)), MaxLen, in)
		for _, r := range out {
			assert.True(t, allowed(r), "rune %q from %q", r, in)
		}
		assert.False(t, strings.ContainsAny(out[:min(1, len(out))], trimSet), in)
	}
}

func TestThreadNameDeterministic(t *testing.T) {
	loc := toronto(t)
	ts := time.Date(2024, 1, 2, 15, 4, 5, 0, loc)
	first := ThreadName(ts, loc, "Receipts for January")
	second := ThreadName(ts, loc, "Receipts for January")
	assert.Equal(t, first, second)
	assert.Equal(t, "2024-01-02-T150405-Receipts_for_January", first)
}

func TestSentinelSubjects(t *testing.T) {
	ts := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "2024-01-02-T150405-(no_subject)", ThreadName(ts, nil, ""))
	assert.Equal(t, "2024-01-02-T150405-Eml-NO_SUBJECT", MessageBase(ts, nil, "   "))
}

func TestContentName(t *testing.T) {
	assert.Equal(t, "p-invoice.pdf", ContentName("p", "invoice.pdf"))
	assert.Equal(t, "p-evil.sh", ContentName("p", "../../evil.sh"))
	assert.Equal(t, "p-report.txt", ContentName("p", `C:\Users\me\report.txt`))
	long := strings.Repeat("a", 200) + ".png"
	got := ContentName("p", long)
	assert.Equal(t, "p-"+strings.Repeat("a", MaxLen)+".png", got)
}

func TestNamesFitFilesystemLimit(t *testing.T) {
	ts := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	fits := func(t *testing.T, name string) {
		t.Helper()
		assert.True(t, utf8.ValidString(name), name)
		assert.LessOrEqual(t, len(name+"_001"+".part"), MaxBytes, name)
	}

	t.Run("cjk attachment", func(t *testing.T) {
		name := ContentName(AttachmentPrefix(ts, nil), strings.Repeat("报", 120)+".pdf")
		fits(t, name)
		assert.True(t, strings.HasSuffix(name, "报.pdf"), name)
	})
	t.Run("accented subject", func(t *testing.T) {
		subject := strings.Repeat("é", 200)
		base := MessageBase(ts, nil, subject)
		fits(t, base+".html")
		assert.True(t, strings.HasPrefix(base, "2024-01-02-T150405-Eml-éé"), base)
		fits(t, ThreadName(ts, nil, subject))
	})
	t.Run("oversized extension", func(t *testing.T) {
		name := ContentName("p", "x."+strings.Repeat("z", 300))
		fits(t, name)
		assert.True(t, strings.HasPrefix(name, "p-x.zzz"), name)
	})
	t.Run("short names untouched", func(t *testing.T) {
		assert.Equal(t, "p-报告.pdf", ContentName("p", "报告.pdf"))
	})
}

func TestUnique(t *testing.T) {
	taken := map[string]bool{"a.txt": true, "a_001.txt": true}
	assert.Equal(t, "a_002.txt", Unique("a.txt", func(s string) bool { return taken[s] }))
	assert.Equal(t, "b.txt", Unique("b.txt", func(s string) bool { return taken[s] }))
}

func TestLabelPath(t *testing.T) {
	assert.Equal(t, []string{"Work", "Receipts"}, LabelPath("Work/Receipts"))
	assert.Equal(t, []string{"x"}, LabelPath("../x/."))
	assert.Equal(t, []string{"_"}, LabelPath(".."))
}
