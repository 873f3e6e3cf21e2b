package gmail

import (
	"strings"
	"time"
)

type MessageID string
type LabelID string
type ThreadID string

// Label is a mailbox label as reported by the labels listing.
type Label struct {
	ID   LabelID
	Name string
	Type string // "system" or "user"
}

// MessageRef pairs a message with the thread it belongs to.
type MessageRef struct {
	ID       MessageID
	ThreadID ThreadID
}

// ListPage is one page of a label listing.
type ListPage struct {
	Messages      []MessageRef
	NextPageToken string
}

type MessageMeta struct {
	ID       MessageID
	ThreadID ThreadID
	Headers  map[string]string // Subject, From, To, Cc, Bcc, Date
	Date     time.Time         // internal date
}

// Header returns the first header matching name, ignoring case.
func (m MessageMeta) Header(name string) string {
	if v, ok := m.Headers[name]; ok {
		return v
	}
	for k, v := range m.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// RawMessage holds the full RFC 5322 bytes of a message.
type RawMessage struct {
	ID       MessageID
	ThreadID ThreadID
	Raw      []byte
	Date     time.Time
}

// ThreadMeta lists a thread's messages in conversation order.
type ThreadMeta struct {
	ID       ThreadID
	Messages []MessageMeta
}
