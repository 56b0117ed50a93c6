// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/traylinx/reverie/internal/config"
	"github.com/traylinx/reverie/internal/core"
)

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 50 * 1024 * 1024

// HTTPProvider calls one OpenAI-compatible upstream endpoint.
type HTTPProvider struct {
	name         string
	displayName  string
	endpoint     string
	apiKey       string
	model        string
	responsePath string
	timeout      time.Duration
	headers      map[string]string

	client      *http.Client
	tokenSource oauth2.TokenSource
}

// NewHTTPProvider builds a provider from its config entry. The config must
// already be sanitized (non-empty name and base URL).
func NewHTTPProvider(cfg config.ProviderConfig) (*HTTPProvider, error) {
	client, err := newProxyAwareHTTPClient(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}

	p := &HTTPProvider{
		name:         cfg.Name,
		displayName:  cfg.DisplayName,
		endpoint:     cfg.BaseURL + cfg.ChatPath,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		responsePath: cfg.ResponsePath,
		timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
		headers:      cfg.Headers,
		client:       client,
	}

	if cfg.OAuth != nil && cfg.OAuth.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		// Token refresh traffic follows the same proxy as provider calls.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		p.tokenSource = oauth2.ReuseTokenSource(nil, cc.TokenSource(tokenCtx))
	}

	return p, nil
}

func (p *HTTPProvider) Name() string           { return p.name }
func (p *HTTPProvider) DisplayName() string    { return p.displayName }
func (p *HTTPProvider) Timeout() time.Duration { return p.timeout }

// Call forwards the envelope payload upstream and extracts the response text.
func (p *HTTPProvider) Call(ctx context.Context, env *core.Envelope) (*core.Result, error) {
	if len(env.Payload) == 0 {
		return nil, statusErr{code: http.StatusBadRequest, msg: "empty payload"}
	}

	payload := bytes.Clone(env.Payload)
	if p.model != "" {
		payload, _ = sjson.SetBytes(payload, "model", p.model)
	}
	// Dispatch is request/response; upstream streaming is disabled even when
	// the caller asked for it.
	payload, _ = sjson.SetBytes(payload, "stream", false)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, br")
	httpReq.Header.Set("User-Agent", "reverie-dispatch")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if p.tokenSource != nil {
		tok, errTok := p.tokenSource.Token()
		if errTok != nil {
			return nil, fmt.Errorf("oauth token: %w", errTok)
		}
		tok.SetAuthHeader(httpReq)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	started := time.Now()
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("provider %s: close response body error: %v", p.name, errClose)
		}
	}()

	reader, err := decodeBody(httpResp)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(reader, 8*1024))
		log.Debugf("provider %s: error status %d, body: %s", p.name, httpResp.StatusCode, strings.TrimSpace(string(b)))
		se := statusErr{code: httpResp.StatusCode, msg: string(b)}
		if ra := parseRetryAfter(httpResp.Header.Get("Retry-After")); ra > 0 {
			se.retryAfter = &ra
		}
		return nil, se
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	content := gjson.GetBytes(body, p.responsePath)
	if !content.Exists() {
		return nil, fmt.Errorf("%w at %q", ErrMissingContent, p.responsePath)
	}

	return &core.Result{
		Provider: p.name,
		Content:  content.String(),
		Raw:      body,
		Latency:  time.Since(started),
	}, nil
}

// decodeBody unwraps the response according to its Content-Encoding. Setting
// Accept-Encoding by hand disables the transport's automatic gzip handling,
// so both encodings are handled here.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip response: %w", err)
		}
		return zr, nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil && secs > 0 {
		return secs
	}
	return 0
}

// newProxyAwareHTTPClient builds the provider's HTTP client, honoring an
// optional http(s) or socks5 proxy URL. Per-attempt deadlines come from the
// request context, so the client itself carries no timeout.
func newProxyAwareHTTPClient(proxyURL string) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		switch strings.ToLower(parsed.Scheme) {
		case "http", "https":
			transport.Proxy = http.ProxyURL(parsed)
		case "socks5", "socks5h":
			var auth *proxy.Auth
			if parsed.User != nil {
				auth = &proxy.Auth{User: parsed.User.Username()}
				if pw, ok := parsed.User.Password(); ok {
					auth.Password = pw
				}
			}
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("socks5 proxy: %w", err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
		}
	}

	return &http.Client{Transport: transport}, nil
}
