// 包 download 负责媒体下载：按扩展名筛选图片/视频，已存在则跳过，
// 写入本地目录或 S3 兼容对象存储。
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"go-ebrowser/internal/fetch"
	"go-ebrowser/internal/logx"
	"go-ebrowser/internal/model"
)

// Sink 为媒体存储目标。
type Sink interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// Getter 为下载所用的传输；*fetch.Client 即满足。
type Getter interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*fetch.Response, error)
}

// Downloader 并发下载帖子文件；零值 Concurrency 按 1 处理。
type Downloader struct {
	Fetch       Getter
	Sink        Sink
	Images      bool
	Videos      bool
	Concurrency int
	UserAgent   string
}

// Result 为一次批量下载的统计。
type Result struct {
	Saved   int
	Skipped int
	Failed  int
}

// Key 返回帖子文件的存储键：优先 md5.ext，缺少 md5 时用 id.ext。
func Key(p *model.Post) string {
	ext := p.Ext()
	if ext == "" {
		return ""
	}
	if p.File.MD5 != "" {
		return p.File.MD5 + "." + ext
	}
	return strconv.Itoa(p.ID) + "." + ext
}

// Want 报告帖子是否属于已开启的下载类别。
func (d *Downloader) Want(p *model.Post) bool {
	if p.File.URL == "" {
		return false
	}
	ext := p.Ext()
	return (d.Images && model.IsImageExt(ext)) || (d.Videos && model.IsVideoExt(ext))
}

// Download 处理一批帖子；单个帖子失败只记录日志，不中断其余下载。
func (d *Downloader) Download(ctx context.Context, posts []model.Post) (Result, error) {
	if d.Fetch == nil || d.Sink == nil {
		return Result{}, errors.New("downloader not configured")
	}
	var saved, skipped, failed int64
	n := d.Concurrency
	if n <= 0 {
		n = 1
	}
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	for i := range posts {
		p := posts[i]
		if !d.Want(&p) {
			atomic.AddInt64(&skipped, 1)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			ok, err := d.one(ctx, &p)
			switch {
			case err != nil:
				atomic.AddInt64(&failed, 1)
				logx.Warnf("下载失败：帖子=%d 错误=%v", p.ID, err)
			case ok:
				atomic.AddInt64(&saved, 1)
			default:
				atomic.AddInt64(&skipped, 1)
			}
		}()
	}
	wg.Wait()
	res := Result{Saved: int(saved), Skipped: int(skipped), Failed: int(failed)}
	return res, ctx.Err()
}

// one 下载单个文件；已存在时返回 false。
func (d *Downloader) one(ctx context.Context, p *model.Post) (bool, error) {
	key := Key(p)
	exists, err := d.Sink.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		logx.Debugf("已存在，跳过：%s", key)
		return false, nil
	}
	h := http.Header{}
	if d.UserAgent != "" {
		h.Set("User-Agent", d.UserAgent)
	}
	resp, err := d.Fetch.Get(ctx, p.File.URL, h)
	if err != nil {
		return false, err
	}
	if !resp.OK() {
		return false, fmt.Errorf("GET %s: status %d", p.File.URL, resp.StatusCode)
	}
	if err := d.Sink.Put(ctx, key, bytes.NewReader(resp.Body), int64(len(resp.Body))); err != nil {
		return false, fmt.Errorf("put %s: %w", key, err)
	}
	logx.Infof("已保存：%s（%d 字节）", key, len(resp.Body))
	return true, nil
}
