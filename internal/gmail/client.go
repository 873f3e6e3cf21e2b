package gmail

import (
	"context"
	"errors"
	"fmt"
)

// Client is the narrow Gmail surface required by the exporter.
type Client interface {
	ListLabels(ctx context.Context) ([]Label, error)
	List(ctx context.Context, label LabelID, pageToken string, pageSize int) (ListPage, error)
	GetMetadata(ctx context.Context, id MessageID, headers []string) (MessageMeta, error)
	GetRaw(ctx context.Context, id MessageID) (RawMessage, error)
	GetThread(ctx context.Context, id ThreadID, headers []string) (ThreadMeta, error)
}

// MetadataHeaders are the headers requested for every message.
func MetadataHeaders() []string {
	return []string{"Subject", "From", "To", "Date", "Cc", "Bcc"}
}

// ServiceError reports a failed Gmail API call that was not an authentication failure.
type ServiceError struct {
	Op     string
	Status int
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("gmail %s (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("gmail %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsServiceError reports whether err wraps a ServiceError.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}
