// 包 browse 提供浏览会话：当前查询/页码/最大页数/排序/进行中标记/搜索历史，
// 一处维护翻页与排序状态，供命令行与网关共用。
package browse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go-ebrowser/internal/e621"
	"go-ebrowser/internal/model"
)

var (
	// ErrBusy 表示已有请求在进行中。
	ErrBusy = errors.New("a fetch is already in flight")
	// ErrNoQuery 表示尚未执行过搜索，无法翻页。
	ErrNoQuery = errors.New("no search has been made")
	// ErrLastPage 表示已到达结果末尾（空页或超出最大页数）。
	ErrLastPage = errors.New("already at the last page")
	// ErrFirstPage 表示已位于第一页。
	ErrFirstPage = errors.New("already at the first page")
)

// SortKey 为排序方式，均为降序。
type SortKey string

const (
	SortNone      SortKey = ""
	SortDate      SortKey = "date"
	SortFavorites SortKey = "favorites"
	SortScore     SortKey = "score"
)

// ParseSortKey 解析排序名（不区分大小写）。
func ParseSortKey(s string) (SortKey, error) {
	switch SortKey(strings.ToLower(strings.TrimSpace(s))) {
	case SortNone:
		return SortNone, nil
	case SortDate:
		return SortDate, nil
	case SortFavorites, "favs", "fav":
		return SortFavorites, nil
	case SortScore:
		return SortScore, nil
	}
	return SortNone, fmt.Errorf("unknown sort key %q", s)
}

// Fetcher 为会话所需的客户端能力；*e621.Client 即满足。
type Fetcher interface {
	GetPosts(ctx context.Context, so e621.SearchOptions) (*model.PostPage, error)
}

// Options 为会话参数。
type Options struct {
	Limit int
	Sort  SortKey
	// OnPage 在每次成功抓取后调用（锁外），用于写快照或落库。
	OnPage func(*model.PostPage)
}

// State 为会话状态的副本。
type State struct {
	Query    string       `json:"query"`
	Page     int          `json:"page"`
	MaxPage  int          `json:"maxPage"`
	Sort     SortKey      `json:"sort"`
	InFlight bool         `json:"inFlight"`
	Posts    []model.Post `json:"posts"`
	History  []string     `json:"history"`
}

// Session 可被多个 goroutine 使用；同一时刻只允许一个抓取。
type Session struct {
	f    Fetcher
	opts Options

	mu       sync.Mutex
	searched bool
	query    string
	page     int
	maxPage  int
	sort     SortKey
	inFlight bool
	posts    []model.Post
	history  []string
}

// New 创建会话。
func New(f Fetcher, opts Options) *Session {
	return &Session{f: f, opts: opts, page: 1, maxPage: model.FallbackMaxPage, sort: opts.Sort}
}

// Search 从第一页开始新的搜索，并尝试获取最大页数。
func (s *Session) Search(ctx context.Context, query string) error {
	page, err := s.fetch(ctx, query, 1, true)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.searched = true
	s.query = page.Query
	s.page = 1
	s.maxPage = page.MaxPage
	if len(page.Posts) == 0 {
		s.maxPage = 1
	}
	s.setPosts(page.Posts)
	if len(page.Posts) > 0 {
		s.remember(page.Query)
	}
	s.mu.Unlock()
	return nil
}

// Next 前往下一页；最大页数不作限制，取回空页时将其收紧为当前页并返回 ErrLastPage。
func (s *Session) Next(ctx context.Context) error {
	s.mu.Lock()
	if !s.searched {
		s.mu.Unlock()
		return ErrNoQuery
	}
	target := s.page + 1
	s.mu.Unlock()
	return s.Goto(ctx, target)
}

// Prev 前往上一页。
func (s *Session) Prev(ctx context.Context) error {
	s.mu.Lock()
	if !s.searched {
		s.mu.Unlock()
		return ErrNoQuery
	}
	if s.page <= 1 {
		s.mu.Unlock()
		return ErrFirstPage
	}
	target := s.page - 1
	s.mu.Unlock()
	return s.Goto(ctx, target)
}

// Goto 跳转到指定页；最大页数仅供参考，超出时仍会请求，以空页作为结束判定。
func (s *Session) Goto(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("invalid page %d", n)
	}
	s.mu.Lock()
	if !s.searched {
		s.mu.Unlock()
		return ErrNoQuery
	}
	query := s.query
	s.mu.Unlock()

	page, err := s.fetch(ctx, query, n, false)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(page.Posts) == 0 && n > 1 {
		if n-1 < s.maxPage {
			s.maxPage = n - 1
		}
		if s.page > s.maxPage {
			s.maxPage = s.page
		}
		return ErrLastPage
	}
	s.page = n
	if n > s.maxPage {
		s.maxPage = n
	}
	s.setPosts(page.Posts)
	return nil
}

// SetSort 修改排序方式并立即对当前帖子重新排序。
func (s *Session) SetSort(k SortKey) {
	s.mu.Lock()
	s.sort = k
	sortPosts(s.posts, k)
	s.mu.Unlock()
}

// Restore 以快照恢复会话；storedMax<=0 时使用回退值。
func (s *Session) Restore(page *model.PostPage, storedMax int) {
	if page == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searched = true
	s.query = page.Query
	s.page = page.Page
	if s.page < 1 {
		s.page = 1
	}
	s.maxPage = storedMax
	if s.maxPage <= 0 {
		s.maxPage = model.FallbackMaxPage
	}
	if s.maxPage < s.page {
		s.maxPage = s.page
	}
	s.setPosts(page.Posts)
	s.remember(page.Query)
}

// State 返回当前状态的副本。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Query:    s.query,
		Page:     s.page,
		MaxPage:  s.maxPage,
		Sort:     s.sort,
		InFlight: s.inFlight,
		Posts:    append([]model.Post(nil), s.posts...),
		History:  append([]string(nil), s.history...),
	}
}

// fetch 标记进行中并发出请求；已有请求时返回 ErrBusy。
func (s *Session) fetch(ctx context.Context, query string, page int, bound bool) (*model.PostPage, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	res, err := s.f.GetPosts(ctx, e621.SearchOptions{Tags: query, Page: page, Limit: s.opts.Limit, FetchPageBound: bound})
	if err != nil {
		return nil, err
	}
	if s.opts.OnPage != nil {
		s.opts.OnPage(res)
	}
	return res, nil
}

// setPosts 过滤掉没有缩略图的帖子并按当前方式排序；调用方持有锁。
func (s *Session) setPosts(in []model.Post) {
	out := make([]model.Post, 0, len(in))
	for _, p := range in {
		if p.HasPreview() {
			out = append(out, p)
		}
	}
	sortPosts(out, s.sort)
	s.posts = out
}

// remember 记录搜索历史（去重，保持首次出现顺序）；调用方持有锁。
func (s *Session) remember(q string) {
	for _, h := range s.history {
		if h == q {
			return
		}
	}
	s.history = append(s.history, q)
}

func sortPosts(ps []model.Post, k SortKey) {
	switch k {
	case SortDate:
		sort.SliceStable(ps, func(i, j int) bool { return ps[i].CreatedAt.After(ps[j].CreatedAt.Time) })
	case SortFavorites:
		sort.SliceStable(ps, func(i, j int) bool { return ps[i].FavCount > ps[j].FavCount })
	case SortScore:
		sort.SliceStable(ps, func(i, j int) bool { return ps[i].Score.Total > ps[j].Score.Total })
	}
}
