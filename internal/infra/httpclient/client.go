/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultUserAgent = "uptane-primary"
	errorBodyLimit   = 1 << 20
	chunkSize        = 32 * 1024
)

var (
	ErrResponseTooLarge = errors.New("response exceeds size limit")
	ErrAborted          = errors.New("transfer aborted")
)

type Config struct {
	Timeout     time.Duration
	InsecureTLS bool
	UserAgent   string
	// Headers are added to every request, e.g. a device identifier.
	Headers map[string]string
	// Proxy is the URL of an HTTP proxy for every request.
	Proxy  string
	Logger *logrus.Logger
}

// Client is the transport used for every server interaction.
type Client struct {
	httpClient *http.Client
	userAgent  string
	headers    map[string]string
	logger     *logrus.Entry
}

// Response carries the status and the (size limited) body of a request.
type Response struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (r *Response) IsOK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Proxy != "" {
		if u, err := url.Parse(cfg.Proxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		} else {
			logger.Warnf("ignoring invalid proxy %q: %v", cfg.Proxy, err)
		}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		userAgent:  userAgent,
		headers:    cfg.Headers,
		logger:     logger.WithField("component", "http"),
	}
}

// Get fetches url and fails with ErrResponseTooLarge when the body exceeds
// maxSize bytes. maxSize <= 0 means unlimited.
func (c *Client) Get(ctx context.Context, url string, maxSize int64) (*Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	return c.do(req, maxSize)
}

func (c *Client) PostJSON(ctx context.Context, url string, v any) (*Response, error) {
	return c.sendJSON(ctx, http.MethodPost, url, v)
}

func (c *Client) PutJSON(ctx context.Context, url string, v any) (*Response, error) {
	return c.sendJSON(ctx, http.MethodPut, url, v)
}

// Put sends a raw body with the given content type.
func (c *Client) Put(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	req, err := c.newRequest(ctx, http.MethodPut, url, bytes.NewReader(body), contentType)
	if err != nil {
		return nil, err
	}
	return c.do(req, errorBodyLimit)
}

func (c *Client) sendJSON(ctx context.Context, method, url string, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req, err := c.newRequest(ctx, method, url, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	return c.do(req, errorBodyLimit)
}

// Download streams url into w. progress is called after every chunk with
// the number of bytes written so far; returning false stops the transfer
// with ErrAborted.
func (c *Client) Download(ctx context.Context, url string, w io.Writer, maxSize int64, progress func(written int64) bool) (*Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	out := &Response{StatusCode: resp.StatusCode, Status: resp.Status}
	if out.StatusCode < 200 || out.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		out.Body = bytes.TrimSpace(body)
		return out, nil
	}

	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if maxSize > 0 && written+int64(n) > maxSize {
				return out, ErrResponseTooLarge
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return out, fmt.Errorf("write body: %w", err)
			}
			written += int64(n)
			if progress != nil && !progress(written) {
				return out, ErrAborted
			}
		}
		if errors.Is(rerr, io.EOF) {
			return out, nil
		}
		if rerr != nil {
			return out, fmt.Errorf("read response body: %w", rerr)
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, maxSize int64) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	out := &Response{StatusCode: resp.StatusCode, Status: resp.Status}
	if out.StatusCode < 200 || out.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		out.Body = bytes.TrimSpace(body)
		c.logger.Debugf("%s %s: %s", req.Method, req.URL.Redacted(), resp.Status)
		return out, nil
	}

	reader := io.Reader(resp.Body)
	if maxSize > 0 {
		reader = io.LimitReader(resp.Body, maxSize+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if maxSize > 0 && int64(len(body)) > maxSize {
		return out, ErrResponseTooLarge
	}
	out.Body = body
	return out, nil
}
