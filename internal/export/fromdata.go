package export

import (
	"context"
	"fmt"

	"go-ebrowser/internal/model"
	"go-ebrowser/internal/store"
)

// MaxExportPosts 为导出帖子数的上限。
const MaxExportPosts = 500

// Cache 为缓存导出文件的结构。
type Cache struct {
	Stats    store.Stats    `json:"stats"`
	Searches []store.Search `json:"searches"`
	Posts    []model.Post   `json:"posts"`
}

// ToJSON 查询统计/搜索记录/帖子并写入 JSON 文件；帖子按 ID 倒序，仅保留最新 MaxExportPosts 条。
func ToJSON(ctx context.Context, s *store.Store, path string) error {
	posts, err := s.ListPosts(ctx, store.ListOptions{Limit: MaxExportPosts})
	if err != nil {
		return fmt.Errorf("list posts: %w", err)
	}
	searches, err := s.ListSearches(ctx)
	if err != nil {
		return fmt.Errorf("list searches: %w", err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	return writeJSON(path, Cache{Stats: stats, Searches: searches, Posts: posts})
}

// ToJSONData 将内存中收集的帖子写成与 ToJSON 相同的结构，用于不打开数据库的极简模式。
func ToJSONData(posts []model.Post, path string) error {
	if len(posts) > MaxExportPosts {
		posts = posts[:MaxExportPosts]
	}
	partial := 0
	for _, p := range posts {
		if p.Partial {
			partial++
		}
	}
	st := store.Stats{PostsTotal: len(posts), PostsPartial: partial}
	return writeJSON(path, Cache{Stats: st, Posts: posts})
}
