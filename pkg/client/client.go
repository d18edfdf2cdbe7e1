// Package client talks to a heic2png server: it uploads a HEIC file, polls
// the job until it settles and downloads the converted image.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jo-hoe/heic2png/internal/common"
)

const DefaultInterval = 10 * time.Second

var (
	// ErrTimeout is returned by Wait when the job is still pending after the maximum number of polls.
	ErrTimeout = errors.New("conversion did not finish in time")
	// ErrFailed wraps the reason the server recorded for a failed job.
	ErrFailed = errors.New("conversion failed")
	// ErrNotFound is returned when the server does not know the job or image.
	ErrNotFound = errors.New("job not found")
)

// APIError is a non-success answer the client could not map to a job state.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Status is one observation of a job.
type Status struct {
	State string // pending, complete, failed or not_found
	URL   string // download URL once complete
	Error string // failure reason or server message
}

type Client struct {
	base        *url.URL
	http        *http.Client
	interval    time.Duration
	maxAttempts int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithInterval sets the delay between status polls.
func WithInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxAttempts caps the number of status polls in Wait.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// New returns a client for the server at baseURL, e.g. http://localhost:3000.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url must be absolute, got %q", baseURL)
	}
	c := &Client{
		base:        u,
		http:        &http.Client{Timeout: 2 * time.Minute},
		interval:    DefaultInterval,
		maxAttempts: common.DefaultPollAttempts,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type apiResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Status  string `json:"status"`
	URL     string `json:"url"`
	Error   string `json:"error"`
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// Upload sends r as the image form field and returns the job id.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(common.FormFieldImage, filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(common.PathUpload), &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "undecodable response"}
	}
	if resp.StatusCode != http.StatusOK || !out.Success || out.ID == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: out.Error}
	}
	return out.ID, nil
}

// Status fetches the current state of a job with a single request.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(common.PathProcessed+"/"+url.PathEscape(id)), nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Status{}, &APIError{StatusCode: resp.StatusCode, Message: "undecodable response"}
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNotFound, http.StatusUnprocessableEntity:
		if out.Status == "" {
			return Status{}, &APIError{StatusCode: resp.StatusCode, Message: out.Error}
		}
		return Status{State: out.Status, URL: out.URL, Error: out.Error}, nil
	default:
		return Status{}, &APIError{StatusCode: resp.StatusCode, Message: out.Error}
	}
}

// Wait polls the job until it completes and returns the download URL.
func (c *Client) Wait(ctx context.Context, id string) (string, error) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		st, err := c.Status(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		switch st.State {
		case common.StatusComplete:
			return st.URL, nil
		case common.StatusFailed:
			return "", fmt.Errorf("%w: %s", ErrFailed, st.Error)
		case common.StatusNotFound:
			return "", ErrNotFound
		}
		if attempt >= c.maxAttempts {
			return "", ErrTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches a converted image. Relative URLs resolve against the base URL.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse download url: %w", err)
	}
	target := c.resolve(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", &APIError{StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read download: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// resolve places host-relative links under the base URL path, so a client
// built for https://host/api downloads /download/<id> from /api/download/<id>.
func (c *Client) resolve(ref *url.URL) *url.URL {
	if ref.IsAbs() || ref.Host != "" {
		return ref
	}
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	u.Fragment = ""
	return &u
}

// Convert uploads r, waits for the job and returns the converted image bytes.
func (c *Client) Convert(ctx context.Context, filename string, r io.Reader) ([]byte, error) {
	id, err := c.Upload(ctx, filename, r)
	if err != nil {
		return nil, err
	}
	link, err := c.Wait(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	data, _, err := c.Download(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return data, nil
}
