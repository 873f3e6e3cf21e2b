// Package naming derives deterministic, filesystem-safe names for exported
// threads, messages and attachment files.
package naming

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// Layout renders as YYYY-MM-DD-THHmmss.
	Layout = "2006-01-02-T150405"
	// MaxLen bounds cleaned subjects and attachment stems, in characters.
	MaxLen = 128
	// MaxBytes is the longest file name common filesystems accept.
	MaxBytes = 255

	NoSubjectMessage = "NO SUBJECT"
	NoSubjectThread  = "(no subject)"
)

const extraAllowed = "-_.()' àâçèéêîôùû"

const trimSet = ",._-"

// nameBudget leaves room for the ".part" suffix of in-flight writes and a
// Unique counter.
const nameBudget = MaxBytes - len(".part") - len("_000")

// longestExt is the longest extension appended to a MessageBase.
const longestExt = ".html"

// Timestamp formats t in loc. A nil loc means UTC.
func Timestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(Layout)
}

// Clean reduces a subject line to characters that are safe in file names.
func Clean(subject string) string {
	var b strings.Builder
	for _, r := range subject {
		if allowed(r) {
			b.WriteRune(r)
		}
	}
	s := strings.ReplaceAll(b.String(), " ", "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	s = strings.Trim(s, trimSet)
	if strings.HasPrefix(s, "Re_") {
		s = strings.Trim(s[len("Re_"):], trimSet)
	}
	s = truncate(s, MaxLen)
	return strings.Trim(s, trimSet)
}

func allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	default:
		return strings.ContainsRune(extraAllowed, r)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// fitBytes cuts s to at most n bytes without splitting a rune.
func fitBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// subjectOr cleans subject, falling back to sentinel, and fits the result
// into budget bytes.
func subjectOr(subject, sentinel string, budget int) string {
	cleaned := Clean(subject)
	if cleaned == "" {
		cleaned = Clean(sentinel)
	}
	return strings.Trim(fitBytes(cleaned, budget), trimSet)
}

// ThreadName is the directory name for a thread whose first message was sent at t.
func ThreadName(t time.Time, loc *time.Location, subject string) string {
	prefix := Timestamp(t, loc) + "-"
	return prefix + subjectOr(subject, NoSubjectThread, nameBudget-len(prefix))
}

// MessageBase is the extension-less file name shared by a message's eml, html and pdf.
func MessageBase(t time.Time, loc *time.Location, subject string) string {
	prefix := Timestamp(t, loc) + "-Eml-"
	return prefix + subjectOr(subject, NoSubjectMessage, nameBudget-len(prefix)-len(longestExt))
}

// AttachmentPrefix and InlinePrefix build the prefixes passed to ContentName.
func AttachmentPrefix(t time.Time, loc *time.Location) string { return Timestamp(t, loc) + "-EmlAtt" }

func InlinePrefix(t time.Time, loc *time.Location) string { return Timestamp(t, loc) + "-Inline" }

// ContentName joins prefix with an attachment filename. Directory components
// are dropped and the stem is truncated to MaxLen characters, then cut
// further so the whole name fits in MaxBytes. An extension too long to fit
// is treated as part of the stem.
func ContentName(prefix, filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == ".." || base == "/" {
		base = "_"
	}
	ext := path.Ext(base)
	budget := nameBudget - len(prefix) - len("-")
	if len(ext) >= budget {
		ext = ""
	}
	stem := strings.TrimSuffix(base, ext)
	return prefix + "-" + fitBytes(truncate(stem, MaxLen), budget-len(ext)) + ext
}

// Unique returns name, or name with a _001, _002... suffix before the
// extension when taken reports the name as used.
func Unique(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%03d%s", stem, i, ext)
		if !taken(candidate) {
			return candidate
		}
	}
}

// LabelPath splits a nested label name like "Work/Receipts" into path
// segments, dropping empty and relative components.
func LabelPath(name string) []string {
	parts := strings.Split(name, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || p == "." || p == ".." {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = append(out, "_")
	}
	return out
}
