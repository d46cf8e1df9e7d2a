package testclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Protocol header names, matching internal/protocol's constants.
const (
	headerContentType    = "Content-Type"
	headerStreamOffset   = "Stream-Next-Offset"
	headerStreamCursor   = "Stream-Cursor"
	headerStreamUpToDate = "Stream-Up-To-Date"
	headerStreamClosed   = "Stream-Closed"
	headerStreamTTL      = "Stream-TTL"
	headerProducerID     = "Producer-Id"
	headerProducerEpoch  = "Producer-Epoch"
	headerProducerSeq    = "Producer-Seq"
)

// Stream is a handle to one stream path.
type Stream struct {
	client *Client
	url    string
}

// CreateOptions mirrors the PUT-create request body/headers.
type CreateOptions struct {
	ContentType string
	TTLSeconds  int64
	InitialData []byte
}

// Create issues PUT, idempotent on matching config (spec §4.4).
func (s *Stream) Create(ctx context.Context, opts CreateOptions) error {
	ct := opts.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	var body io.Reader
	if len(opts.InitialData) > 0 {
		body = bytes.NewReader(opts.InitialData)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url, body)
	if err != nil {
		return err
	}
	req.Header.Set(headerContentType, ct)
	if opts.TTLSeconds > 0 {
		req.Header.Set(headerStreamTTL, strconv.FormatInt(opts.TTLSeconds, 10))
	}

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return errorFromStatus(resp.StatusCode, string(respBody))
	}
}

// ProducerHeaders is the optional idempotent-producer fencing triple.
type ProducerHeaders struct {
	ID    string
	Epoch int64
	Seq   int64
}

// AppendOptions mirrors the POST-append request.
type AppendOptions struct {
	ContentType string
	Close       bool
	Producer    *ProducerHeaders
}

// AppendResult reports the response headers from a successful append.
type AppendResult struct {
	NextOffset string
	StatusCode int
}

// Append issues POST.
func (s *Stream) Append(ctx context.Context, data []byte, opts AppendOptions) (*AppendResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if opts.ContentType != "" {
		req.Header.Set(headerContentType, opts.ContentType)
	}
	if opts.Close {
		req.Header.Set(headerStreamClosed, "true")
	}
	if opts.Producer != nil {
		req.Header.Set(headerProducerID, opts.Producer.ID)
		req.Header.Set(headerProducerEpoch, strconv.FormatInt(opts.Producer.Epoch, 10))
		req.Header.Set(headerProducerSeq, strconv.FormatInt(opts.Producer.Seq, 10))
	}

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return &AppendResult{NextOffset: resp.Header.Get(headerStreamOffset), StatusCode: resp.StatusCode}, nil
	default:
		return nil, errorFromStatus(resp.StatusCode, string(body))
	}
}

// Delete issues DELETE.
func (s *Stream) Delete(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	default:
		return errorFromStatus(resp.StatusCode, string(body))
	}
}

// Head issues HEAD and returns the next offset and closed flag.
func (s *Stream) Head(ctx context.Context) (nextOffset string, closed bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return "", false, err
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false, errorFromStatus(resp.StatusCode, "")
	}
	return resp.Header.Get(headerStreamOffset), resp.Header.Get(headerStreamClosed) == "true", nil
}

// ReadResult is one GET response.
type ReadResult struct {
	Body       []byte
	NextOffset string
	UpToDate   bool
	Closed     bool
	Cursor     string
	StatusCode int
}

// Read issues one GET with the given offset/live mode/cursor. live is one
// of "", "long-poll", "sse"; the result is the raw body of that single
// response, so an SSE read yields the unparsed event-stream text.
func (s *Stream) Read(ctx context.Context, offset, live, cursor string) (*ReadResult, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("offset", offset)
	if live != "" {
		q.Set("live", live)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return &ReadResult{
			Body:       body,
			NextOffset: resp.Header.Get(headerStreamOffset),
			UpToDate:   resp.Header.Get(headerStreamUpToDate) == "true",
			Closed:     resp.Header.Get(headerStreamClosed) == "true",
			Cursor:     resp.Header.Get(headerStreamCursor),
			StatusCode: resp.StatusCode,
		}, nil
	default:
		return nil, errorFromStatus(resp.StatusCode, string(body))
	}
}

// WaitUntilUpToDate issues a single long-poll read from offset, bounded by
// timeout. It does not retry: when the server's long-poll times out the
// result is the empty 204 response.
func (s *Stream) WaitUntilUpToDate(ctx context.Context, offset string, timeout time.Duration) (*ReadResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Read(waitCtx, offset, "long-poll", "")
}
