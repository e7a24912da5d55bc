// 包 server 提供只读 HTTP 网关：转发搜索与图池请求，并暴露本地缓存。
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"go-ebrowser/internal/e621"
	"go-ebrowser/internal/logx"
	"go-ebrowser/internal/model"
	"go-ebrowser/internal/store"
)

const requestIDHeader = "X-Request-ID"

// Source 为网关的上游；*e621.Client 即满足。
type Source interface {
	GetPosts(ctx context.Context, so e621.SearchOptions) (*model.PostPage, error)
	GetPoolPosts(ctx context.Context, poolID, page int) (*model.PostPage, error)
}

type Handler struct {
	Src   Source
	Store *store.Store // 可为 nil（极简模式）
}

// NewRouter 构建 gin 路由。
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/posts.json", h.posts)
	r.GET("/pools/:id", h.pool)
	if h.Store != nil {
		g := r.Group("/cache")
		g.GET("/stats", h.stats)
		g.GET("/posts", h.cachedPosts)
		g.GET("/posts/:id", h.cachedPost)
	}
	return r
}

// Run 监听 addr 直至 ctx 取消，然后优雅关闭。
func Run(ctx context.Context, addr string, h *Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logx.Infof("HTTP 网关监听：%s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logx.Infof("HTTP 网关关闭中")
		return srv.Shutdown(sctx)
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logx.Debugf("%s %s %d %s id=%s", c.Request.Method, c.Request.URL.RequestURI(), c.Writer.Status(),
			time.Since(start).Round(time.Millisecond), c.GetString("request_id"))
	}
}

func (h *Handler) posts(c *gin.Context) {
	page, ok := intQuery(c, "page", 1)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	so := e621.SearchOptions{
		Tags:           c.Query("tags"),
		Page:           page,
		Limit:          limit,
		FetchPageBound: truthy(c.Query("bound")),
	}
	res, err := h.Src.GetPosts(c.Request.Context(), so)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) pool(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid pool id")
		return
	}
	page, ok := intQuery(c, "page", 1)
	if !ok {
		return
	}
	res, err := h.Src.GetPoolPosts(c.Request.Context(), id, page)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) stats(c *gin.Context) {
	st, err := h.Store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "stats failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) cachedPosts(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 50)
	if !ok {
		return
	}
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return
	}
	items, err := h.Store.ListPosts(c.Request.Context(), store.ListOptions{
		Rating: c.Query("rating"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"limit": limit, "offset": offset, "posts": items})
}

func (h *Handler) cachedPost(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid post id")
		return
	}
	p, err := h.Store.GetPost(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "get failed"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// writeErr 按错误类别映射状态码：Internal 为调用方参数问题，其余视为上游故障。
func writeErr(c *gin.Context, err error) {
	status := http.StatusBadGateway
	kind := e621.KindOf(err)
	if kind == e621.KindInternal {
		status = http.StatusBadRequest
	}
	body := gin.H{"ok": false, "error": err.Error(), "kind": kind.String()}
	var e *e621.Error
	if errors.As(err, &e) && e.Status != 0 {
		body["upstream_status"] = e.Status
	}
	logx.Warnf("请求失败：%s id=%s 错误=%v", c.Request.URL.RequestURI(), c.GetString("request_id"), err)
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": msg})
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	s := strings.TrimSpace(c.Query(key))
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		badRequest(c, "invalid "+key)
		return 0, false
	}
	return n, true
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
