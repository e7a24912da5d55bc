// 包 aggregate 负责批量抓取编排：
// - 按窗口并发抓取搜索或图池的连续页，遇到空页即停止
// - 落库（或极简模式下写入内存缓冲）与过期清理
// - 可选地把抓到的帖子交给下载器
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go-ebrowser/internal/config"
	"go-ebrowser/internal/download"
	"go-ebrowser/internal/e621"
	"go-ebrowser/internal/logx"
	"go-ebrowser/internal/model"
	"go-ebrowser/internal/store"
)

// Source 为分页数据来源；*e621.Client 即满足。
type Source interface {
	GetPosts(ctx context.Context, so e621.SearchOptions) (*model.PostPage, error)
	GetPoolPosts(ctx context.Context, poolID, page int) (*model.PostPage, error)
}

// Job 描述一次批量抓取。Mode 为 pools 时使用 PoolID，否则使用 Tags。
type Job struct {
	Mode     model.ListMode
	Tags     string
	PoolID   int
	MaxPages int
	Limit    int
}

// Summary 为一次运行的统计。
type Summary struct {
	Pages      int
	Posts      int
	Failed     int
	LastPage   int
	Downloaded download.Result
}

// Runner 批量执行器，持有配置/存储/数据源/下载器。
type Runner struct {
	cfg   *config.Config
	src   Source
	store *store.Store
	dl    *download.Downloader
	// 简洁模式：仅收集内存数据，不落库
	buf *SimpleBuffer
}

// New 创建 Runner；store 为 nil 或配置为极简模式时使用内存缓冲。
func New(cfg *config.Config, src Source, s *store.Store, dl *download.Downloader) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Runner{cfg: cfg, src: src, store: s, dl: dl}
	if cfg.SimpleMode || s == nil {
		r.buf = NewSimpleBuffer()
	}
	return r
}

// Run 执行一轮抓取：分窗并发抓页→写入→下载→清理过期。
func (r *Runner) Run(ctx context.Context, job Job) (Summary, error) {
	var sum Summary
	if job.MaxPages <= 0 {
		return sum, fmt.Errorf("invalid page count %d", job.MaxPages)
	}
	if job.Mode == model.ModePools && job.PoolID <= 0 {
		return sum, fmt.Errorf("invalid pool id %d", job.PoolID)
	}
	window := max(1, r.cfg.Concurrency.Fetch)
	logx.Infof("开始抓取：模式=%s 查询=%q 图池=%d 页数=%d 并发=%d", modeOf(job), job.Tags, job.PoolID, job.MaxPages, window)

	var collected []model.Post
	for start := 1; start <= job.MaxPages; start += window {
		end := min(job.MaxPages, start+window-1)
		pages, errs := r.fetchWindow(ctx, job, start, end)
		stop := false
		for i, page := range pages {
			n := start + i
			if errs[i] != nil {
				sum.Failed++
				logx.Warnf("第 %d 页抓取失败：%v", n, errs[i])
				if e621.IsKind(errs[i], e621.KindInternal) {
					return sum, errs[i]
				}
				continue
			}
			if len(page.Posts) == 0 {
				logx.Infof("第 %d 页为空，结束抓取", n)
				stop = true
				break
			}
			r.save(ctx, page)
			sum.Pages++
			sum.Posts += len(page.Posts)
			sum.LastPage = n
			collected = append(collected, page.Posts...)
		}
		if stop || ctx.Err() != nil {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	logx.Infof("抓取完成：页=%d 帖子=%d 失败=%d", sum.Pages, sum.Posts, sum.Failed)

	if r.dl != nil && len(collected) > 0 {
		res, err := r.dl.Download(ctx, collected)
		sum.Downloaded = res
		if err != nil {
			return sum, fmt.Errorf("download: %w", err)
		}
		logx.Infof("下载完成：保存=%d 跳过=%d 失败=%d", res.Saved, res.Skipped, res.Failed)
	}

	// 正常模式才清理数据库中过期帖子；极简模式不使用数据库
	if r.buf == nil && r.cfg.OutdateCleanDays > 0 {
		n, err := r.store.CleanOldPosts(ctx, r.cfg.OutdateCleanDays)
		if err != nil {
			logx.Warnf("清理过期帖子失败：%v", err)
		} else if n > 0 {
			logx.Infof("已清理过期帖子：%d", n)
		}
	}
	if sum.Pages == 0 && sum.Failed > 0 {
		return sum, errors.New("all pages failed")
	}
	return sum, nil
}

// fetchWindow 并发抓取 [start,end] 页，结果按页序返回。
func (r *Runner) fetchWindow(ctx context.Context, job Job, start, end int) ([]*model.PostPage, []error) {
	n := end - start + 1
	pages := make([]*model.PostPage, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pages[i], errs[i] = r.fetchPage(ctx, job, start+i)
		}(i)
	}
	wg.Wait()
	return pages, errs
}

func (r *Runner) fetchPage(ctx context.Context, job Job, page int) (*model.PostPage, error) {
	if job.Mode == model.ModePools {
		return r.src.GetPoolPosts(ctx, job.PoolID, page)
	}
	return r.src.GetPosts(ctx, e621.SearchOptions{
		Tags:           job.Tags,
		Page:           page,
		Limit:          job.Limit,
		FetchPageBound: page == 1,
	})
}

func (r *Runner) save(ctx context.Context, page *model.PostPage) {
	if r.buf != nil {
		r.buf.AddPosts(page.Posts)
		return
	}
	if err := r.store.UpsertPage(ctx, page); err != nil {
		logx.Warnf("写入第 %d 页失败：%v", page.Page, err)
	}
}

func modeOf(job Job) model.ListMode {
	if job.Mode == "" {
		return model.ModePosts
	}
	return job.Mode
}

// BufferData 返回极简模式下收集的帖子（按 id 倒序）。
func (r *Runner) BufferData() []model.Post {
	if r == nil || r.buf == nil {
		return nil
	}
	return r.buf.Snapshot()
}

// sortByID 按 id 倒序排列，与站点默认顺序一致。
func sortByID(ps []model.Post) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID > ps[j].ID })
}
