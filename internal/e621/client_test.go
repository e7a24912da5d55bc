package e621_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-ebrowser/internal/e621"
	"go-ebrowser/internal/fetch"
)

func newClient(t *testing.T, host string, opts e621.Options) *e621.Client {
	t.Helper()
	opts.Host = host
	cl, err := e621.New(opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cl
}

func TestClient_LimitCeiling(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"posts":[]}`))
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{})

	_, err := cl.GetPosts(context.Background(), e621.SearchOptions{Limit: 321})
	if !e621.IsKind(err, e621.KindInternal) {
		t.Fatalf("err = %v, want internal", err)
	}
	_, err = cl.GetPosts(context.Background(), e621.SearchOptions{Page: -2})
	if !e621.IsKind(err, e621.KindInternal) {
		t.Fatalf("err = %v, want internal for negative page", err)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("no request expected, got %d", n)
	}
	if _, err := cl.GetPosts(context.Background(), e621.SearchOptions{Limit: 320}); err != nil {
		t.Fatalf("limit 320 should pass: %v", err)
	}
}

func TestClient_QueryAndHeaders(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.RequestURI())
		ua = r.Header.Get("User-Agent")
		mu.Unlock()
		_, _ = w.Write([]byte(`{"posts":[]}`))
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL+"/", e621.Options{UserAgent: "tester/2.0"})

	ctx := context.Background()
	if _, err := cl.GetPosts(ctx, e621.SearchOptions{Tags: "  ", Page: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.GetPosts(ctx, e621.SearchOptions{Tags: "wolf rating:s", Page: 3, Limit: 50}); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.GetPosts(ctx, e621.SearchOptions{Page: 0, Limit: -5}); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"/posts.json",
		"/posts.json?limit=50&page=3&tags=wolf+rating%3As",
		"/posts.json",
	}
	if !reflect.DeepEqual(paths, want) {
		t.Fatalf("paths = %v\nwant  %v", paths, want)
	}
	if ua != "tester/2.0" {
		t.Fatalf("user agent = %q", ua)
	}
}

func TestClient_RoundTripFidelity(t *testing.T) {
	fixture, err := os.ReadFile("testdata/posts.json")
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(fixture)
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{})

	page, err := cl.GetPosts(context.Background(), e621.SearchOptions{Tags: "solo", Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("get posts: %v", err)
	}
	if page.Query != "solo" || page.Page != 2 || page.Limit != 2 || page.Mode != "posts" {
		t.Fatalf("caller parameters not applied: %+v", page)
	}
	if page.MaxPage != 750 {
		t.Fatalf("max page = %d, want fallback 750", page.MaxPage)
	}
	if len(page.Posts) != 2 {
		t.Fatalf("posts len = %d", len(page.Posts))
	}
	p := page.Posts[0]
	if p.Duration == nil || *p.Duration != 12.5 || p.ApproverID == nil || *p.ApproverID != 17633 {
		t.Fatalf("optional fields lost: %+v", p)
	}
	if page.Posts[1].Relationships.ParentID == nil || *page.Posts[1].Relationships.ParentID != 4123456 {
		t.Fatalf("parent id lost")
	}
	if q, ok := p.Sample.Alternate("720p"); !ok || len(q.URLs) != 2 || q.URLs[0] != nil {
		t.Fatalf("alternates lost: %+v", p.Sample.Alternates)
	}
	if a := page.Posts[1].Sample.Alternates; a == nil || len(*a) != 0 {
		t.Fatalf("empty alternates object lost: %v", a)
	}

	var want struct {
		Posts []any `json:"posts"`
	}
	if err := json.Unmarshal(fixture, &want); err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(page.Posts)
	if err != nil {
		t.Fatal(err)
	}
	var got []any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want.Posts) {
		t.Fatalf("posts did not round-trip\n got: %s", b)
	}
}

func TestClient_EmptyAndNullBodies(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   e621.Kind
	}{
		{"empty", 200, "", e621.KindNetwork},
		{"whitespace", 200, "  \n", e621.KindNetwork},
		{"null", 200, "null", e621.KindDeserialization},
		{"malformed", 200, `{"posts":[`, e621.KindDeserialization},
		{"wrong shape", 200, `{"posts":{"id":1}}`, e621.KindDeserialization},
		{"array", 200, `[]`, e621.KindDeserialization},
		{"forbidden", 403, `{"success":false,"reason":"Access Denied"}`, e621.KindNetwork},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			cl := newClient(t, srv.URL, e621.Options{})
			page, err := cl.GetPosts(context.Background(), e621.SearchOptions{})
			if page != nil {
				t.Fatalf("expected no page, got %+v", page)
			}
			if !e621.IsKind(err, tc.kind) {
				t.Fatalf("err = %v, want kind %s", err, tc.kind)
			}
			if tc.status != 200 {
				var e *e621.Error
				if !errors.As(err, &e) || e.Content != tc.body || e.Status != tc.status {
					t.Fatalf("error should carry body and status: %#v", err)
				}
			}
		})
	}
}

func TestClient_EmptyPostsIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"posts":null}`))
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{})
	page, err := cl.GetPosts(context.Background(), e621.SearchOptions{Tags: "nothing_matches"})
	if err != nil {
		t.Fatalf("get posts: %v", err)
	}
	if page.Posts == nil || len(page.Posts) != 0 {
		t.Fatalf("expect empty non-nil posts, got %#v", page.Posts)
	}
}

const boundHTML = `<html><body>
<div>
  <div></div><div></div>
  <div><div><div>
    <div></div><div></div>
    <div>
      <div></div><div></div><div></div>
      <div><nav><a class="page first">1</a><a class="page last">88</a></nav></div>
    </div>
  </div></div></div>
</div>
</body></html>`

func TestClient_FetchPageBound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/posts.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"posts":[]}`))
	})
	var htmlQuery string
	mux.HandleFunc("/posts", func(w http.ResponseWriter, r *http.Request) {
		htmlQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(boundHTML))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{})

	page, err := cl.GetPosts(context.Background(), e621.SearchOptions{Tags: "wolf", Page: 2, FetchPageBound: true})
	if err != nil {
		t.Fatalf("get posts: %v", err)
	}
	if page.MaxPage != 88 {
		t.Fatalf("max page = %d, want 88", page.MaxPage)
	}
	if htmlQuery != "page=2&tags=wolf" {
		t.Fatalf("html query = %q", htmlQuery)
	}
}

func TestClient_FetchPageBoundFailureIsSwallowed(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"500":        func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) },
		"no markup":  func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`<html><body>hi</body></html>`)) },
		"unparsable": func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(strings.Replace(boundHTML, ">88<", ">eighty<", 1))) },
		"empty body": func(w http.ResponseWriter, r *http.Request) {},
	} {
		handler := handler
		t.Run(name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/posts.json", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"posts":[]}`))
			})
			mux.HandleFunc("/posts", handler)
			srv := httptest.NewServer(mux)
			defer srv.Close()
			cl := newClient(t, srv.URL, e621.Options{})
			page, err := cl.GetPosts(context.Background(), e621.SearchOptions{FetchPageBound: true})
			if err != nil {
				t.Fatalf("bound failure must not surface: %v", err)
			}
			if page.MaxPage != 750 {
				t.Fatalf("max page = %d, want 750", page.MaxPage)
			}
		})
	}
}

const poolHTML = `<html><body>
<div id="c-pools"><div></div><div><menu>
<li class="numbered-page"><a>1</a></li><li class="current-page"><span>2</span></li><li class="numbered-page"><a>5</a></li>
</menu></div></div>
<div id="posts"><section>
<article data-id="11" data-rating="q" data-score="7" data-tags="a b"></article>
<article data-id="not-a-number"></article>
</section></div></body></html>`

func TestClient_GetPoolPosts(t *testing.T) {
	var gotURI string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		_, _ = w.Write([]byte(poolHTML))
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{})

	page, err := cl.GetPoolPosts(context.Background(), 42, 2)
	if err != nil {
		t.Fatalf("pool posts: %v", err)
	}
	if gotURI != "/pools/42?page=2" {
		t.Fatalf("uri = %q", gotURI)
	}
	if page.Mode != "pools" || page.PoolID != 42 || page.Page != 2 || page.MaxPage != 5 {
		t.Fatalf("page meta = %+v", page)
	}
	if len(page.Posts) != 1 {
		t.Fatalf("want exactly one partial post, got %d", len(page.Posts))
	}
	p := page.Posts[0]
	if !p.Partial || p.ID != 11 || p.Rating != "q" || p.Score.Total != 7 || len(p.Tags.General) != 2 {
		t.Fatalf("post = %+v", p)
	}

	if _, err := cl.GetPoolPosts(context.Background(), 42, 1); err != nil {
		t.Fatal(err)
	}
	if gotURI != "/pools/42" {
		t.Fatalf("page 1 should omit page param, uri = %q", gotURI)
	}
}

func TestClient_GetPoolPostsWithoutPaginator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div id="c-pools"><div></div><div></div></div>
<div id="posts"><section><article data-id="3" data-rating="e"></article></section></div></body></html>`))
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{})
	page, err := cl.GetPoolPosts(context.Background(), 9, 1)
	if err != nil {
		t.Fatalf("pool posts: %v", err)
	}
	if page.MaxPage != 750 || len(page.Posts) != 1 || page.Posts[0].ID != 3 {
		t.Fatalf("page = %+v", page)
	}
}

func TestClient_GetPoolPostsNoContainer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div id="c-pools">maintenance</div></body></html>`))
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{})
	_, err := cl.GetPoolPosts(context.Background(), 7, 1)
	if !e621.IsKind(err, e621.KindDeserialization) {
		t.Fatalf("err = %v, want deserialization", err)
	}
}

func TestClient_GetPoolPostsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{})
	if _, err := cl.GetPoolPosts(context.Background(), 7, 1); !e621.IsKind(err, e621.KindNetwork) {
		t.Fatalf("err = %v, want network", err)
	}
	if _, err := cl.GetPoolPosts(context.Background(), 0, 1); !e621.IsKind(err, e621.KindInternal) {
		t.Fatalf("err = %v, want internal for pool 0", err)
	}
}

func TestClient_BasicAuthLatin1(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"posts":[]}`))
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{Credentials: &e621.Credentials{Username: "jörg", APIKey: "kéy"}})
	if _, err := cl.GetPosts(context.Background(), e621.SearchOptions{}); err != nil {
		t.Fatal(err)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("j\xf6rg:k\xe9y"))
	if got != want {
		t.Fatalf("authorization = %q, want %q", got, want)
	}

	// 超出 Latin-1 的字符写作 '?'
	cl.SetCredentials(&e621.Credentials{Username: "a€", APIKey: "k😀"})
	if _, err := cl.GetPosts(context.Background(), e621.SearchOptions{}); err != nil {
		t.Fatal(err)
	}
	if want := "Basic " + base64.StdEncoding.EncodeToString([]byte("a?:k?")); got != want {
		t.Fatalf("authorization = %q, want %q", got, want)
	}

	cl.SetCredentials(nil)
	if _, err := cl.GetPosts(context.Background(), e621.SearchOptions{}); err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("anonymous request carried authorization %q", got)
	}
}

// gateFetcher 在收到请求后阻塞，直到测试放行，用于控制请求构造与完成的时序。
type gateFetcher struct {
	built   chan http.Header
	release chan struct{}
}

func (g *gateFetcher) Get(ctx context.Context, rawURL string, header http.Header) (*fetch.Response, error) {
	g.built <- header.Clone()
	<-g.release
	return &fetch.Response{StatusCode: 200, Body: []byte(`{"posts":[]}`)}, nil
}

func TestClient_CredentialsCapturedAtBuildTime(t *testing.T) {
	g := &gateFetcher{built: make(chan http.Header, 2), release: make(chan struct{}, 2)}
	cl := newClient(t, "https://e621.example/", e621.Options{
		Fetcher:     g,
		Credentials: &e621.Credentials{Username: "old", APIKey: "k1"},
	})

	done := make(chan error, 1)
	go func() {
		_, err := cl.GetPosts(context.Background(), e621.SearchOptions{})
		done <- err
	}()

	// A 的请求已构造，尚未完成
	var a http.Header
	select {
	case a = <-g.built:
	case <-time.After(2 * time.Second):
		t.Fatal("request A was not built")
	}
	cl.SetCredentials(&e621.Credentials{Username: "new", APIKey: "k2"})
	g.release <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("call A: %v", err)
	}
	if want := "Basic " + base64.StdEncoding.EncodeToString([]byte("old:k1")); a.Get("Authorization") != want {
		t.Fatalf("call A auth = %q, want %q", a.Get("Authorization"), want)
	}

	g.release <- struct{}{}
	if _, err := cl.GetPosts(context.Background(), e621.SearchOptions{}); err != nil {
		t.Fatalf("call B: %v", err)
	}
	b := <-g.built
	if want := "Basic " + base64.StdEncoding.EncodeToString([]byte("new:k2")); b.Get("Authorization") != want {
		t.Fatalf("call B auth = %q, want %q", b.Get("Authorization"), want)
	}
}

func TestClient_TimeoutIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{Timeout: 50 * time.Millisecond})
	_, err := cl.GetPosts(context.Background(), e621.SearchOptions{})
	if !e621.IsKind(err, e621.KindNetwork) {
		t.Fatalf("err = %v, want network", err)
	}
}

func TestClient_ConcurrentCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"posts":[{"id":1}]}`))
	}))
	defer srv.Close()
	cl := newClient(t, srv.URL, e621.Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			p, err := cl.GetPosts(context.Background(), e621.SearchOptions{Page: page})
			if err == nil && p.Page != page {
				err = &e621.Error{Kind: e621.KindInternal, Msg: "page mixed up"}
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
}
