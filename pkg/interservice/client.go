package interservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ddm-j/quasar-sub001/pkg/httpapi"
	"github.com/ddm-j/quasar-sub001/pkg/market"
)

// UpstreamError is a problem+json error the peer service answered with. The
// status is preserved so callers can forward it (404 and 501 pass through
// the registry unchanged).
type UpstreamError struct {
	Status int
	Title  string
	Detail string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %d %s: %s", e.Status, e.Title, e.Detail)
}

// BadUpstreamError is a response that is not part of the protocol at all: a
// proxy error page, a crash dump, a truncated body. Callers surface it as
// 502, never forwarding the raw payload.
type BadUpstreamError struct {
	Status  int
	Snippet string
}

func (e *BadUpstreamError) Error() string {
	return fmt.Sprintf("upstream sent a non-protocol response (status %d): %s", e.Status, e.Snippet)
}

// ValidateRequest asks the collector to dry-run load an uploaded artifact.
type ValidateRequest struct {
	ClassName string `json:"class_name"`
	ClassType string `json:"class_type"`
	FilePath  string `json:"file_path"`
	FileHash  string `json:"file_hash"`
}

// ValidateResponse reports a successful validation.
type ValidateResponse struct {
	Valid        bool   `json:"valid"`
	ClassSubtype string `json:"class_subtype"`
}

// Client calls the collector's internal endpoints. Safe for concurrent use.
type Client struct {
	base   string
	http   *http.Client
	tokens *TokenSource
}

// NewClient builds a collector client. The timeout is generous because
// validation compiles the artifact before answering.
func NewClient(baseURL string, tokens *TokenSource) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 60 * time.Second},
		tokens: tokens,
	}
}

// ValidateProvider submits an artifact for dry-run validation and returns
// the subtype the artifact declared.
func (c *Client) ValidateProvider(ctx context.Context, req ValidateRequest) (*ValidateResponse, error) {
	var out ValidateResponse
	if err := c.do(ctx, http.MethodPost, "/internal/providers/validate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AvailableSymbols asks the loaded provider to enumerate its instruments.
// A provider without the capability surfaces as *UpstreamError 501.
func (c *Client) AvailableSymbols(ctx context.Context, className string) ([]market.SymbolInfo, error) {
	var out []market.SymbolInfo
	path := "/internal/providers/" + url.PathEscape(className) + "/available-symbols"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnloadProvider evicts the collector's cached instance so the next load
// picks up new credentials or a replaced artifact. Idempotent upstream.
func (c *Client) UnloadProvider(ctx context.Context, className string) error {
	path := "/internal/providers/" + url.PathEscape(className) + "/unload"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("interservice: encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("interservice: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Mint()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("interservice: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &BadUpstreamError{Status: resp.StatusCode, Snippet: "malformed JSON body: " + err.Error()}
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// decodeError classifies a non-2xx response: a parseable problem document
// becomes UpstreamError, anything else BadUpstreamError.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	var p httpapi.ProblemDetail
	if err := json.Unmarshal(body, &p); err == nil && p.Status != 0 {
		return &UpstreamError{Status: resp.StatusCode, Title: p.Title, Detail: p.Detail}
	}
	return &BadUpstreamError{Status: resp.StatusCode, Snippet: snippet(body)}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "(empty body)"
	}
	return s
}
