// Package pdf converts rendered HTML documents to PDF by shelling out to wkhtmltopdf.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Converter writes a PDF rendering of html to dest.
type Converter interface {
	Convert(ctx context.Context, html []byte, dest string) error
}

// ConversionError is a failed wkhtmltopdf run. It affects only the one PDF.
type ConversionError struct {
	ExitCode int
	Stderr   string
}

func (e *ConversionError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("wkhtmltopdf failed with exit code %d, no error output", e.ExitCode)
	}
	return fmt.Sprintf("wkhtmltopdf failed with exit code %d: %s", e.ExitCode, e.Stderr)
}

// IsConversionError reports whether err wraps a ConversionError.
func IsConversionError(err error) bool {
	var ce *ConversionError
	return errors.As(err, &ce)
}

// benign stderr output that wkhtmltopdf emits for documents that still convert.
var ignored = []*regexp.Regexp{
	regexp.MustCompile(`QFont::setPixelSize: Pixel size <= 0 \(0\)`),
	regexp.MustCompile(`Invalid SOS parameters for sequential JPEG`),
	regexp.MustCompile(`libpng warning: Out of place sRGB chunk`),
	regexp.MustCompile(`Exit with code 1 due to network error: ContentNotFoundError`),
	regexp.MustCompile(`Exit with code 1 due to network error: UnknownContentError`),
	regexp.MustCompile(`QPainter::begin\(\): Returned false\r\nExit with code 1`),
}

// Runner invokes the wkhtmltopdf binary with the document on stdin.
type Runner struct {
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
}

func args(dest string) []string {
	return []string{
		"-q",
		"--load-error-handling", "ignore",
		"--load-media-error-handling", "ignore",
		"--encoding", "utf-8",
		"-s", "Letter",
		"-", dest,
	}
}

// Convert runs wkhtmltopdf once. Residual stderr on a zero exit is logged as
// a warning.
func (r Runner) Convert(ctx context.Context, html []byte, dest string) error {
	bin := r.Binary
	if bin == "" {
		bin = "wkhtmltopdf"
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args(dest)...) // #nosec G204 - binary determined by user config
	cmd.Stdin = bytes.NewReader(html)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("run wkhtmltopdf: %w", err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("run wkhtmltopdf: %w", ctx.Err())
		}
		exitCode = exitErr.ExitCode()
	}
	if out := strings.TrimSpace(stdout.String()); out != "" {
		return fmt.Errorf("wkhtmltopdf wrote to stdout: %s", out)
	}
	warning, err := Classify(exitCode, stderr.String())
	if err != nil {
		return err
	}
	if warning != "" && r.Logger != nil {
		r.Logger.Warn("wkhtmltopdf exited cleanly with unexpected output", "path", dest, "stderr", warning)
	}
	return nil
}

// Classify applies the stderr filter to a finished run. It returns residual
// output to warn about, or a ConversionError when the run failed.
func Classify(exitCode int, stderr string) (string, error) {
	original := strings.TrimRight(stderr, " \t\r\n")
	stripped := stderr
	for _, re := range ignored {
		stripped = re.ReplaceAllString(stripped, "")
	}
	stripped = strings.TrimRight(stripped, " \t\r\n")

	switch {
	case exitCode > 0 && original == "":
		return "", &ConversionError{ExitCode: exitCode}
	case exitCode > 0 && stripped != "":
		return "", &ConversionError{ExitCode: exitCode, Stderr: stripped}
	default:
		return stripped, nil
	}
}

var _ Converter = Runner{}
