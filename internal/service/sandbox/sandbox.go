// Package sandbox proxies code execution to a hosted Piston-compatible API.
package sandbox

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

	"devsuite/internal/config"
)

var (
	// ErrUpstream wraps failures of the execution service itself.
	ErrUpstream = errors.New("execution service failed")
	// ErrNotConfigured is returned when no base URL is set.
	ErrNotConfigured = errors.New("execution service not configured")
)

const (
	maxSourceBytes   = 64 * 1024
	maxResponseBytes = 1 << 20
)

// Request is one program to run.
type Request struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin"`
}

// Result is the outcome of a run.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Language string `json:"language"`
	Version  string `json:"version"`
}

type pistonFile struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Files    []pistonFile `json:"files"`
	Stdin    string       `json:"stdin,omitempty"`
}

type pistonStage struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   *int   `json:"code"`
	Signal string `json:"signal"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      pistonStage  `json:"run"`
	Compile  *pistonStage `json:"compile,omitempty"`
	Message  string       `json:"message"`
}

// Client talks to the execution API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg config.SandboxConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}
}

// Execute runs req and returns its output. A non-zero exit code is a
// normal result, not an error.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))
	if req.Language == "" {
		return nil, errors.New("language is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, errors.New("code is required")
	}
	if len(req.Code) > maxSourceBytes {
		return nil, fmt.Errorf("code larger than %d bytes", maxSourceBytes)
	}
	version := req.Version
	if version == "" {
		version = "*"
	}

	body, err := json.Marshal(pistonRequest{
		Language: req.Language,
		Version:  version,
		Files:    []pistonFile{{Name: "main", Content: req.Code}},
		Stdin:    req.Stdin,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := errorMessage(raw, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// bad language or version; the caller can fix it
			return nil, fmt.Errorf("execute rejected: %s", msg)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}
	var out pistonResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}

	res := &Result{Language: out.Language, Version: out.Version}
	if out.Compile != nil && exitCode(*out.Compile) != 0 {
		res.Stdout = out.Compile.Stdout
		res.Stderr = out.Compile.Stderr
		res.ExitCode = exitCode(*out.Compile)
		return res, nil
	}
	res.Stdout = out.Run.Stdout
	res.Stderr = out.Run.Stderr
	res.ExitCode = exitCode(out.Run)
	return res, nil
}

// errorMessage extracts the message of an error response. Bodies that are not
// JSON, such as proxy error pages, fall back to the status text.
func errorMessage(raw []byte, status int) string {
	var out pistonResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Message != "" {
		return out.Message
	}
	return http.StatusText(status)
}

func exitCode(s pistonStage) int {
	if s.Code != nil {
		return *s.Code
	}
	if s.Signal != "" {
		// killed by a signal, usually the run timeout
		return 137
	}
	return 0
}
