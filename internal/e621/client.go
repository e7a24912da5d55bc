// 包 e621 为 e621 图站的 API 客户端：
// - posts.json 搜索（JSON），可选抓取 HTML 分页器获取最大页数
// - 图池页 HTML 抓取，重建为部分帖子
// - 错误统一为 *Error，分 Internal/Network/Deserialization 三类，不做任何重试
package e621

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"

	"go-ebrowser/internal/fetch"
	"go-ebrowser/internal/logx"
	"go-ebrowser/internal/model"
	"go-ebrowser/internal/rules"
	"go-ebrowser/internal/scrape"
)

const (
	DefaultHost      = "https://e621.net/"
	DefaultUserAgent = "e621NET/0.1 (+https://disotakyu.vercel.app/e621)"
	DefaultTimeout   = 100 * time.Second

	// MaxLimit 为服务端接受的单页最大条数。
	MaxLimit = 320
)

// Fetcher 为底层传输；*fetch.Client 即为默认实现。
type Fetcher interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*fetch.Response, error)
}

// Extractor 隔离依赖站点页面结构的解析逻辑；*scrape.Extractor 即为默认实现。
type Extractor interface {
	SearchMaxPage(doc *goquery.Document) (int, bool)
	PoolMaxPage(doc *goquery.Document) (int, bool)
	PoolPosts(doc *goquery.Document) ([]model.Post, error)
}

// Options 为客户端构造参数，零值字段使用默认值。
type Options struct {
	Host        string
	UserAgent   string
	Timeout     time.Duration
	Credentials *Credentials
	Fetcher     Fetcher
	Extractor   Extractor
}

// Client 可被多个 goroutine 并发使用；除凭据外构造后不再变化。
type Client struct {
	host      string
	userAgent string
	timeout   time.Duration
	creds     atomic.Pointer[Credentials]
	fetcher   Fetcher
	extractor Extractor
}

// SearchOptions 为 GetPosts 的参数。
type SearchOptions struct {
	Tags  string
	Page  int
	Limit int
	// FetchPageBound 为 true 时额外抓取 HTML 列表页以获取最大页数（尽力而为）。
	FetchPageBound bool
}

// New 创建客户端。
func New(opts Options) (*Client, error) {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = DefaultHost
	}
	if !strings.HasSuffix(host, "/") {
		host += "/"
	}
	u, err := url.Parse(host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid host %q", opts.Host)
	}
	c := &Client{
		host:      host,
		userAgent: opts.UserAgent,
		timeout:   opts.Timeout,
		fetcher:   opts.Fetcher,
		extractor: opts.Extractor,
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.fetcher == nil {
		fc, err := fetch.New(fetch.Options{Timeout: c.timeout})
		if err != nil {
			return nil, fmt.Errorf("new fetch client: %w", err)
		}
		c.fetcher = fc
	}
	if c.extractor == nil {
		c.extractor = scrape.New(rules.DefaultPreset(), host)
	}
	if opts.Credentials != nil {
		cp := *opts.Credentials
		c.creds.Store(&cp)
	}
	return c, nil
}

// Host 返回规范化后的站点根地址（以 / 结尾）。
func (c *Client) Host() string { return c.host }

// SetCredentials 替换凭据，仅影响之后构造的请求；nil 表示匿名访问。
func (c *Client) SetCredentials(cr *Credentials) {
	if cr == nil {
		c.creds.Store(nil)
		return
	}
	cp := *cr
	c.creds.Store(&cp)
}

// Credentials 返回当前凭据的副本。
func (c *Client) Credentials() *Credentials {
	cr := c.creds.Load()
	if cr == nil {
		return nil
	}
	cp := *cr
	return &cp
}

// GetPosts 搜索帖子。limit 超过 MaxLimit 或 page 为负时直接返回 Internal 错误，不发请求。
func (c *Client) GetPosts(ctx context.Context, so SearchOptions) (*model.PostPage, error) {
	if so.Limit > MaxLimit {
		return nil, internalErr(fmt.Sprintf("the posts maximum limit is %d", MaxLimit))
	}
	if so.Page < 0 {
		return nil, internalErr(fmt.Sprintf("invalid page %d", so.Page))
	}
	if so.Page == 0 {
		so.Page = 1
	}
	if so.Limit <= 0 {
		so.Limit = -1
	}
	tags := strings.TrimSpace(so.Tags)

	q := url.Values{}
	if tags != "" {
		q.Set("tags", tags)
	}
	if so.Page > 1 {
		q.Set("page", strconv.Itoa(so.Page))
	}
	if so.Limit > 0 {
		q.Set("limit", strconv.Itoa(so.Limit))
	}

	body, err := c.get(ctx, c.resolve("posts.json", q), "fetch posts json")
	if err != nil {
		return nil, err
	}
	page := model.NewPostPage(model.ModePosts)
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &Error{Kind: KindDeserialization, Msg: "decode posts json", Content: string(body), Err: err}
	}
	if page == nil {
		return nil, &Error{Kind: KindDeserialization, Msg: "server returned an unexpected json payload", Content: string(body)}
	}
	if page.Posts == nil {
		page.Posts = []model.Post{}
	}
	page.Mode = model.ModePosts
	page.PoolID = 0
	page.Query = tags
	page.Page = so.Page
	page.Limit = so.Limit
	page.FetchedAt = time.Now()
	if page.MaxPage <= 0 {
		page.MaxPage = model.FallbackMaxPage
	}

	if so.FetchPageBound {
		if n, ok := c.searchBound(ctx, q); ok {
			page.MaxPage = n
		}
	}
	return page, nil
}

// searchBound 抓取同参数的 HTML 列表页并解析分页器；任何失败仅记录调试日志。
func (c *Client) searchBound(ctx context.Context, q url.Values) (int, bool) {
	body, err := c.get(ctx, c.resolve("posts", q), "fetch posts html")
	if err != nil {
		logx.Debugf("获取最大页数失败：%v", err)
		return 0, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		logx.Debugf("解析列表页 HTML 失败：%v", err)
		return 0, false
	}
	n, ok := c.extractor.SearchMaxPage(doc)
	if !ok {
		logx.Debugf("列表页中未找到分页器")
	}
	return n, ok
}

// GetPoolPosts 抓取图池页并重建部分帖子；page<=1 时不带 page 参数。
func (c *Client) GetPoolPosts(ctx context.Context, poolID, page int) (*model.PostPage, error) {
	if poolID <= 0 {
		return nil, internalErr(fmt.Sprintf("invalid pool id %d", poolID))
	}
	if page < 0 {
		return nil, internalErr(fmt.Sprintf("invalid page %d", page))
	}
	if page == 0 {
		page = 1
	}
	q := url.Values{}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	body, err := c.get(ctx, c.resolve("pools/"+strconv.Itoa(poolID), q), "fetch pool html")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindDeserialization, Msg: "parse pool html", Content: string(body), Err: err}
	}

	out := model.NewPostPage(model.ModePools)
	out.PoolID = poolID
	out.Page = page
	posts, err := c.extractor.PoolPosts(doc)
	if err != nil {
		return nil, &Error{Kind: KindDeserialization, Msg: "unable to find posts list in pool html", Content: string(body), Err: err}
	}
	out.Posts = posts
	if n, ok := c.extractor.PoolMaxPage(doc); ok {
		out.MaxPage = n
	}
	return out, nil
}

// newHeader 在请求构造时读取一次凭据；此后凭据变化不影响该请求。
func (c *Client) newHeader() http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.userAgent)
	if cr := c.creds.Load(); cr != nil {
		h.Set("Authorization", basicAuth(cr))
	}
	return h
}

// get 发出一次 GET，将传输失败、非 2xx 与空正文统一为 Network 错误。
func (c *Client) get(ctx context.Context, rawURL, what string) ([]byte, error) {
	header := c.newHeader()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	logx.Debugf("GET %s", rawURL)
	resp, err := c.fetcher.Get(ctx, rawURL, header)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: KindNetwork, Msg: what + ": timeout", Err: err}
		}
		return nil, &Error{Kind: KindNetwork, Msg: what, Err: err}
	}
	logx.Debugf("响应 %d %s", resp.StatusCode, rawURL)
	if !resp.OK() {
		return nil, &Error{Kind: KindNetwork, Msg: what, Status: resp.StatusCode, Content: string(resp.Body)}
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, &Error{Kind: KindNetwork, Msg: what + ": empty response content", Status: resp.StatusCode}
	}
	return resp.Body, nil
}

// resolve 基于站点根地址拼接相对路径与查询串。
func (c *Client) resolve(rel string, q url.Values) string {
	s := c.host + strings.TrimPrefix(rel, "/")
	if len(q) > 0 {
		s += "?" + q.Encode()
	}
	return s
}
