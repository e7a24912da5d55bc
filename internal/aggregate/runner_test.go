package aggregate_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"go-ebrowser/internal/aggregate"
	"go-ebrowser/internal/config"
	"go-ebrowser/internal/e621"
	"go-ebrowser/internal/model"
	"go-ebrowser/internal/store"
)

// fakeSource 每页返回 perPage 个帖子，超过 lastPage 返回空页。
type fakeSource struct {
	mu       sync.Mutex
	lastPage int
	perPage  int
	failPage int
	maxPage  int // 非零时写入每页的 MaxPage
	calls    []int
	pool     []int
}

func (f *fakeSource) page(mode model.ListMode, n int) (*model.PostPage, error) {
	if n == f.failPage {
		return nil, &e621.Error{Kind: e621.KindNetwork, Msg: "boom"}
	}
	p := model.NewPostPage(mode)
	p.Page = n
	if f.maxPage > 0 {
		p.MaxPage = f.maxPage
	}
	if n <= f.lastPage {
		for i := 0; i < f.perPage; i++ {
			post := model.Post{ID: n*100 + i, Rating: "s"}
			post.Partial = mode == model.ModePools
			p.Posts = append(p.Posts, post)
		}
	}
	return p, nil
}

func (f *fakeSource) GetPosts(_ context.Context, so e621.SearchOptions) (*model.PostPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, so.Page)
	f.mu.Unlock()
	if so.Limit > e621.MaxLimit {
		return nil, &e621.Error{Kind: e621.KindInternal, Msg: "limit"}
	}
	return f.page(model.ModePosts, so.Page)
}

func (f *fakeSource) GetPoolPosts(_ context.Context, poolID, page int) (*model.PostPage, error) {
	f.mu.Lock()
	f.pool = append(f.pool, page)
	f.mu.Unlock()
	return f.page(model.ModePools, page)
}

func cfgWith(fetch int, simple bool) *config.Config {
	c := config.Default()
	c.Concurrency.Fetch = fetch
	c.SimpleMode = simple
	return c
}

func TestRunner_StopsAtEmptyPage(t *testing.T) {
	src := &fakeSource{lastPage: 3, perPage: 2}
	r := aggregate.New(cfgWith(2, true), src, nil, nil)
	sum, err := r.Run(context.Background(), aggregate.Job{Tags: "wolf", MaxPages: 10})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Pages != 3 || sum.Posts != 6 || sum.LastPage != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	// 窗口 [1,2] [3,4]，第 4 页为空后不再抓取
	if len(src.calls) != 4 {
		t.Fatalf("calls = %v", src.calls)
	}
	got := r.BufferData()
	if len(got) != 6 || got[0].ID != 301 || got[5].ID != 100 {
		t.Fatalf("buffer = %+v", got)
	}
}

func TestRunner_PoolIntoStore(t *testing.T) {
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "crawl.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	src := &fakeSource{lastPage: 2, perPage: 3}
	r := aggregate.New(cfgWith(4, false), src, s, nil)
	sum, err := r.Run(context.Background(), aggregate.Job{Mode: model.ModePools, PoolID: 7, MaxPages: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Pages != 2 || len(src.pool) != 4 {
		t.Fatalf("summary = %+v pool calls = %v", sum, src.pool)
	}
	if r.BufferData() != nil {
		t.Fatalf("store mode must not buffer")
	}
	posts, err := s.ListPosts(context.Background(), store.ListOptions{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(posts) != 6 || !posts[0].Partial {
		t.Fatalf("stored = %d posts", len(posts))
	}
}

func TestRunner_IgnoresAdvisoryMaxPage(t *testing.T) {
	src := &fakeSource{lastPage: 4, perPage: 1, maxPage: 2}
	r := aggregate.New(cfgWith(2, true), src, nil, nil)
	sum, err := r.Run(context.Background(), aggregate.Job{Mode: model.ModePools, PoolID: 3, MaxPages: 10})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Pages != 4 || sum.LastPage != 4 || len(src.pool) != 6 {
		t.Fatalf("summary = %+v pool calls = %v", sum, src.pool)
	}
}

func TestRunner_FailuresAndInternal(t *testing.T) {
	src := &fakeSource{lastPage: 2, perPage: 1, failPage: 2}
	r := aggregate.New(cfgWith(1, true), src, nil, nil)
	sum, err := r.Run(context.Background(), aggregate.Job{MaxPages: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Pages != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	_, err = r.Run(context.Background(), aggregate.Job{MaxPages: 1, Limit: 1000})
	if !e621.IsKind(err, e621.KindInternal) {
		t.Fatalf("err = %v, want internal", err)
	}
	if _, err := r.Run(context.Background(), aggregate.Job{}); err == nil {
		t.Fatalf("expect error for zero pages")
	}
	if _, err := r.Run(context.Background(), aggregate.Job{Mode: model.ModePools, MaxPages: 1}); err == nil {
		t.Fatalf("expect error for missing pool id")
	}
}

func TestRunner_AllPagesFail(t *testing.T) {
	src := &fakeSource{lastPage: 1, perPage: 1, failPage: 1}
	r := aggregate.New(cfgWith(1, true), src, nil, nil)
	_, err := r.Run(context.Background(), aggregate.Job{MaxPages: 1})
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestSimpleBuffer_PartialDoesNotReplaceFull(t *testing.T) {
	b := aggregate.NewSimpleBuffer()
	full := model.Post{ID: 1, Description: "full"}
	b.AddPost(full)
	b.AddPosts([]model.Post{{ID: 1, Partial: true}, {ID: 0}, {ID: 2, Partial: true}})
	got := b.Snapshot()
	if b.Len() != 2 || got[0].ID != 2 || got[1].Description != "full" {
		t.Fatalf("snapshot = %+v", got)
	}
}
