// Package upstream talks to the third-party face-shape detection provider.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Header names of the provider's two-header auth convention.
const (
	HeaderAPIKey = "X-RapidAPI-Key"
	HeaderHost   = "X-RapidAPI-Host"
)

// FormField is the multipart field carrying the image.
const FormField = "image"

// maxResponseBytes bounds how much of a provider response is buffered.
const maxResponseBytes = 8 << 20

// Options configures a Client.
type Options struct {
	URL     string
	Host    string
	APIKey  string
	Timeout time.Duration
}

// Response is a 2xx provider response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// RejectedError is a non-2xx provider response, kept verbatim for relaying.
type RejectedError struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upstream rejected request with status %d", e.StatusCode)
}

// UnreachableError is a transport-level failure: DNS, connect, TLS, timeout.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("upstream unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// Client issues one synchronous detection call per image. It never retries.
type Client struct {
	url        string
	host       string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates opts and builds a client. A nil httpClient gets one with opts.Timeout.
func NewClient(opts Options, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.URL == "" {
		return nil, errors.New("upstream URL is required")
	}
	if opts.Host == "" || opts.APIKey == "" {
		return nil, errors.New("upstream host and API key are required")
	}
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:        opts.URL,
		host:       opts.Host,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		logger:     logger.Named("upstream"),
	}, nil
}

// Image is the file handed to Detect.
type Image struct {
	Filename    string
	ContentType string
	Content     io.Reader
}

// Detect posts the image as multipart form data and returns the provider's 2xx response.
// Non-2xx responses come back as *RejectedError, transport failures as *UnreachableError.
func (c *Client) Detect(ctx context.Context, img Image) (*Response, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(partHeader(img))
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := io.Copy(part, img.Content); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(HeaderAPIKey, c.apiKey)
	req.Header.Set(HeaderHost, c.host)

	c.logger.Debug("sending image to upstream", zap.String("filename", img.Filename), zap.Int("body_bytes", body.Len()))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &UnreachableError{Err: fmt.Errorf("read upstream response: %w", err)}
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RejectedError{StatusCode: resp.StatusCode, ContentType: contentType, Body: payload}
	}
	return &Response{StatusCode: resp.StatusCode, ContentType: contentType, Body: payload}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func partHeader(img Image) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FormField, quoteEscaper.Replace(img.Filename)))
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	return h
}
