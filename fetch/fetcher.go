// Package fetch retrieves source documents over HTTP and reduces HTML pages
// to markdown text for extraction.
package fetch

import (
	"context"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"go.uber.org/zap"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/internal/httpclient"
	"github.com/teranos/codeload/logger"
)

// ErrUpstream marks non-2xx responses and transport failures
var ErrUpstream = errors.New("upstream fetch failed")

// Result is one fetched document
type Result struct {
	Content     string
	ContentType string
	HTTPStatus  int
	Latency     time.Duration
	Bytes       int
	Truncated   bool
}

// Config configures the HTTP fetcher
type Config struct {
	Timeout           time.Duration
	UserAgent         string
	MaxBodyBytes      int64
	AllowPrivateHosts bool
}

// ConfigFromAM reads the [fetch] section
func ConfigFromAM(cfg *am.Config) Config {
	return Config{
		Timeout:           time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		UserAgent:         cfg.Fetch.UserAgent,
		MaxBodyBytes:      cfg.Fetch.MaxBodyBytes,
		AllowPrivateHosts: cfg.Fetch.AllowPrivateHosts,
	}
}

// HTTPFetcher fetches locations with the SSRF-guarded client
type HTTPFetcher struct {
	client   *httpclient.SaferClient
	maxBytes int64
	md       *converter.Converter
	log      *zap.SugaredLogger
}

// NewHTTPFetcher creates a fetcher from config
func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	client := httpclient.New(cfg.Timeout, httpclient.Options{
		AllowPrivateHosts: cfg.AllowPrivateHosts,
		UserAgent:         cfg.UserAgent,
	})
	return newHTTPFetcher(client, cfg.MaxBodyBytes)
}

func newHTTPFetcher(client *httpclient.SaferClient, maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		client:   client,
		maxBytes: maxBytes,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		log: logger.ComponentLogger("fetch"),
	}
}

// Fetch retrieves location. Non-2xx responses return the Result (for the
// status code) together with an error marked ErrUpstream.
func (f *HTTPFetcher) Fetch(ctx context.Context, location string) (*Result, error) {
	start := time.Now()

	resp, err := f.client.Get(ctx, location)
	if err != nil {
		err = errors.Mark(errors.Wrap(err, "fetch failed"), ErrUpstream)
		return &Result{Latency: time.Since(start)}, errors.WithDetailf(err, "URL: %s", location)
	}
	defer resp.Body.Close()

	res := &Result{
		HTTPStatus:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Latency = time.Since(start)
		err := errors.Mark(errors.Newf("upstream returned HTTP %d", resp.StatusCode), ErrUpstream)
		return res, errors.WithDetailf(err, "URL: %s", location)
	}

	body, truncated, err := httpclient.ReadLimited(resp.Body, f.maxBytes)
	res.Latency = time.Since(start)
	if err != nil {
		err = errors.Mark(errors.Wrap(err, "failed to read body"), ErrUpstream)
		return res, errors.WithDetailf(err, "URL: %s", location)
	}
	res.Bytes = len(body)
	res.Truncated = truncated
	if truncated {
		f.log.Warnw("Response truncated", logger.FieldURL, location, logger.FieldSize, f.maxBytes)
	}

	content, err := f.toText(string(body), res.ContentType, location)
	if err != nil {
		return res, errors.WithDetailf(err, "URL: %s", location)
	}
	res.Content = content
	return res, nil
}

func (f *HTTPFetcher) toText(body, contentType, location string) (string, error) {
	mt := "text/plain"
	if contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			mt = parsed
		}
	} else if sniff := http.DetectContentType([]byte(body)); sniff != "" {
		mt, _, _ = mime.ParseMediaType(sniff)
	}

	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		md, err := f.md.ConvertString(body, converter.WithDomain(location))
		if err != nil {
			return "", errors.Wrap(err, "failed to convert HTML")
		}
		return strings.TrimSpace(md), nil
	case strings.HasPrefix(mt, "text/"):
		return strings.TrimSpace(body), nil
	default:
		return "", errors.Newf("unsupported content type %q", mt)
	}
}
