// Package vision is the HTTP client for the external vision model service.
//
// The service exposes two JSON endpoints:
//
//	POST /v1/detect      {"image": <base64>, "content_type": "...", "expressions": bool, "descriptors": bool}
//	                     -> {"faces": [Detection...]}
//	POST /v1/descriptor  {"image": <base64>} -> {"descriptor": [float...] | null}
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/facelock/facelock/internal/domain/vision"
)

const (
	// maxResponseBodySize bounds a model response.
	maxResponseBodySize = 4 * 1024 * 1024

	defaultTimeout = 5 * time.Second
)

// ErrModel is returned for non-2xx responses from the model service.
var ErrModel = errors.New("vision model error")

// Client implements vision.Detector over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if c.httpClient != nil && d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient creates a client for the model service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type detectRequest struct {
	Image       []byte `json:"image"`
	ContentType string `json:"content_type,omitempty"`
	Expressions bool   `json:"expressions"`
	Descriptors bool   `json:"descriptors"`
}

type detectResponse struct {
	Faces []vision.Detection `json:"faces"`
}

type descriptorRequest struct {
	Image []byte `json:"image"`
}

type descriptorResponse struct {
	Descriptor vision.Descriptor `json:"descriptor"`
}

// DetectFaces posts frame to /v1/detect.
func (c *Client) DetectFaces(ctx context.Context, frame vision.Frame, opts vision.DetectOptions) ([]vision.Detection, error) {
	var resp detectResponse
	err := c.post(ctx, "/v1/detect", detectRequest{
		Image:       frame.Data,
		ContentType: frame.ContentType,
		Expressions: opts.Expressions,
		Descriptors: opts.Descriptors,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

// ExtractDescriptor posts image to /v1/descriptor. A null descriptor means
// no face was found.
func (c *Client) ExtractDescriptor(ctx context.Context, image []byte) (vision.Descriptor, error) {
	var resp descriptorResponse
	if err := c.post(ctx, "/v1/descriptor", descriptorRequest{Image: image}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Descriptor) == 0 {
		return nil, nil
	}
	return resp.Descriptor, nil
}

// Ping checks that the service answers GET /healthz.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vision model unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: health status %d", ErrModel, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	limited := io.LimitReader(resp.Body, maxResponseBodySize)
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(limited, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrModel, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

var _ vision.Detector = (*Client)(nil)
