// Package document renders the standalone HTML document that is written as
// the .html artifact and fed to the PDF converter.
package document

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
)

//go:embed templates/message.html.tmpl
var templateFS embed.FS

var messageTemplate = template.Must(template.ParseFS(templateFS, "templates/message.html.tmpl"))

// Headers are the message headers shown above the body.
type Headers struct {
	Subject string
	From    string
	To      []string
	Date    string
	Cc      []string
}

// View is the template input. Body must already be sanitized.
type View struct {
	Headers     Headers
	Body        template.HTML
	Attachments []string
}

// HeadersFrom builds Headers from a header lookup, splitting To and Cc on commas.
func HeadersFrom(get func(string) string) Headers {
	return Headers{
		Subject: get("Subject"),
		From:    get("From"),
		To:      splitAddresses(get("To")),
		Date:    get("Date"),
		Cc:      splitAddresses(get("Cc")),
	}
}

func splitAddresses(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Render executes the message template.
func Render(v View) ([]byte, error) {
	var buf bytes.Buffer
	if err := messageTemplate.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	return buf.Bytes(), nil
}
