// 包 fetch 封装 HTTP 传输（代理/超时/解压/限速），供 API 客户端与媒体下载共用。
// 非 2xx 响应不视为传输错误，而是连同正文一并返回，由调用方决定错误类别。
package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"
)

// ErrBodyTooLarge 表示正文（压缩或解压后）超过 MaxBody。
var ErrBodyTooLarge = errors.New("response body too large")

// Client 为带解压与可选限速的 HTTP 客户端，可被多个 goroutine 并发使用。
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	maxBody int64
}

// Options 为客户端构造参数。
type Options struct {
	ProxyHTTP  string
	ProxyHTTPS string
	Timeout    time.Duration
	// RateLimit 为每秒请求数，<=0 表示不限速。
	RateLimit float64
	// MaxBody 限制读取的正文字节数，<=0 时为 64MiB。
	MaxBody int64
}

// Response 为已读取完毕的响应。
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// OK 报告状态码是否为 2xx。
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// New 创建客户端，支持 http/https 代理与基础超时配置。
func New(opts Options) (*Client, error) {
	var proxyHTTP, proxyHTTPS *url.URL
	var err error
	if opts.ProxyHTTP != "" {
		if proxyHTTP, err = url.Parse(opts.ProxyHTTP); err != nil {
			return nil, fmt.Errorf("parse http proxy: %w", err)
		}
	}
	if opts.ProxyHTTPS != "" {
		if proxyHTTPS, err = url.Parse(opts.ProxyHTTPS); err != nil {
			return nil, fmt.Errorf("parse https proxy: %w", err)
		}
	}
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "https" && proxyHTTPS != nil {
				return proxyHTTPS, nil
			}
			if req.URL.Scheme == "http" && proxyHTTP != nil {
				return proxyHTTP, nil
			}
			return http.ProxyFromEnvironment(req)
		},
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 100 * time.Second
	}
	c := &Client{
		http:    &http.Client{Transport: transport, Timeout: opts.Timeout},
		maxBody: opts.MaxBody,
	}
	if c.maxBody <= 0 {
		c.maxBody = 64 << 20
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return c, nil
}

// Get 发送一次 GET（不重试），header 按请求设置，不会写入共享状态。
// 返回的 error 仅表示传输层失败（连接、超时、解压）。
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	// 手动声明编码后 net/http 不再自动解压，统一在 decode 中处理
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	raw, err := readLimited(resp.Body, c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", rawURL, err)
	}
	body, err := decode(resp.Header.Get("Content-Encoding"), raw, c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("decode body %s: %w", rawURL, err)
	}
	return &Response{StatusCode: resp.StatusCode, Status: resp.Status, Header: resp.Header, Body: body}, nil
}

// readLimited 读取至多 max 字节，超出时返回 ErrBodyTooLarge 而不是静默截断。
func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("%w (limit %d bytes)", ErrBodyTooLarge, max)
	}
	return b, nil
}

// decode 按 Content-Encoding 解压正文，解压结果同样受 max 限制；
// deflate 先按 zlib 封装尝试，失败再按裸 flate。
func decode(encoding string, raw []byte, max int64) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(raw))
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(raw))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	return readLimited(r, max)
}
