// internal/runtime/googleapi.go adapts *gmail.Service to the small client interface.
package runtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	gc "github.com/joshsymonds/gmailexport/internal/gmail"
)

type googleClient struct{ svc *gmail.Service }

func NewGoogleAPIClient(svc *gmail.Service) *googleClient { return &googleClient{svc} }

func (g *googleClient) ListLabels(ctx context.Context) ([]gc.Label, error) {
	lr, err := g.svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, classify("list labels", err)
	}
	out := make([]gc.Label, 0, len(lr.Labels))
	for _, l := range lr.Labels {
		out = append(out, gc.Label{ID: gc.LabelID(l.Id), Name: l.Name, Type: l.Type})
	}
	return out, nil
}

func (g *googleClient) List(
	ctx context.Context,
	label gc.LabelID,
	pageToken string,
	pageSize int,
) (gc.ListPage, error) {
	call := g.svc.Users.Messages.List("me").LabelIds(string(label)).MaxResults(int64(pageSize))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return gc.ListPage{}, classify("list messages", err)
	}
	page := gc.ListPage{NextPageToken: res.NextPageToken}
	for _, m := range res.Messages {
		page.Messages = append(page.Messages, gc.MessageRef{ID: gc.MessageID(m.Id), ThreadID: gc.ThreadID(m.ThreadId)})
	}
	return page, nil
}

func (g *googleClient) GetMetadata(ctx context.Context, id gc.MessageID, headers []string) (gc.MessageMeta, error) {
	msg, err := g.svc.Users.Messages.Get("me", string(id)).Format("metadata").MetadataHeaders(headers...).Context(ctx).Do()
	if err != nil {
		return gc.MessageMeta{}, classify("get metadata "+string(id), err)
	}
	return toMeta(msg), nil
}

func (g *googleClient) GetRaw(ctx context.Context, id gc.MessageID) (gc.RawMessage, error) {
	msg, err := g.svc.Users.Messages.Get("me", string(id)).Format("raw").Context(ctx).Do()
	if err != nil {
		return gc.RawMessage{}, classify("get raw "+string(id), err)
	}
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return gc.RawMessage{}, fmt.Errorf("decode raw %s: %w", id, err)
	}
	return gc.RawMessage{
		ID:       id,
		ThreadID: gc.ThreadID(msg.ThreadId),
		Raw:      raw,
		Date:     internalDate(msg.InternalDate),
	}, nil
}

func (g *googleClient) GetThread(ctx context.Context, id gc.ThreadID, headers []string) (gc.ThreadMeta, error) {
	th, err := g.svc.Users.Threads.Get("me", string(id)).Format("metadata").MetadataHeaders(headers...).Context(ctx).Do()
	if err != nil {
		return gc.ThreadMeta{}, classify("get thread "+string(id), err)
	}
	out := gc.ThreadMeta{ID: id}
	for _, m := range th.Messages {
		out.Messages = append(out.Messages, toMeta(m))
	}
	return out, nil
}

func toMeta(msg *gmail.Message) gc.MessageMeta {
	h := map[string]string{}
	if msg.Payload != nil {
		for _, hd := range msg.Payload.Headers {
			if _, seen := h[hd.Name]; !seen {
				h[hd.Name] = hd.Value
			}
		}
	}
	return gc.MessageMeta{
		ID:       gc.MessageID(msg.Id),
		ThreadID: gc.ThreadID(msg.ThreadId),
		Headers:  h,
		Date:     internalDate(msg.InternalDate),
	}
}

func internalDate(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// decodeRaw accepts padded and unpadded base64url.
func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// classify maps credential failures to AuthError and everything else to ServiceError.
func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &AuthError{Op: op, Err: err}
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusUnauthorized {
			return &AuthError{Op: op, Err: err}
		}
		return &gc.ServiceError{Op: op, Status: gerr.Code, Err: err}
	}
	return &gc.ServiceError{Op: op, Err: err}
}

var _ gc.Client = (*googleClient)(nil)
