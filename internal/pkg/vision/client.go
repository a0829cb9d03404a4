package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"
)

// Generous default: vision models are slow on multi-megapixel photos,
// but the worker slot must eventually come back.
const defaultTimeout = 90 * time.Second

var (
	// ErrContractViolation marks a provider response missing mandatory fields
	ErrContractViolation = errors.New("vision response violates contract")

	// ErrTimeout marks a request that hit the client deadline
	ErrTimeout = errors.New("vision request timeout")

	// ErrNetwork marks connection-level failures
	ErrNetwork = errors.New("vision network error")
)

// Client is the HTTP client for the vision inspection provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a vision provider client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

type analyzeRequest struct {
	ImageBase64 string      `json:"image_base64"`
	ContentType string      `json:"content_type"`
	Vehicle     VehicleInfo `json:"vehicle"`
}

// Analyze submits one photo with vehicle context and returns the
// structured inspection result. The response is validated against the
// provider contract before it is returned.
func (c *Client) Analyze(ctx context.Context, image []byte, contentType string, info VehicleInfo) (*Result, error) {
	if strings.TrimSpace(c.baseURL) == "" {
		return nil, fmt.Errorf("vision config error: base_url is empty")
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("vision request error: empty image")
	}

	payload, err := json.Marshal(analyzeRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		ContentType: contentType,
		Vehicle:     info,
	})
	if err != nil {
		return nil, fmt.Errorf("vision request error: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/inspections", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("vision request error: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if readErr != nil {
			return nil, fmt.Errorf("vision http error: status=%d body=<failed to read body: %v>", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("vision http error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: malformed response body: %v", ErrContractViolation, err)
	}

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func classifyRequestError(ctx context.Context, err error) error {
	if isTimeoutError(ctx, err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return fmt.Errorf("vision request error: %w", err)
}

func isTimeoutError(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}

	return errors.Is(err, os.ErrDeadlineExceeded)
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
