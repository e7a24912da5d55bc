package model

import (
	"fmt"
	"path"
	"strings"
)

// FlatTags 按 API 桶顺序展开全部标签。
func (p *Post) FlatTags() []string {
	t := p.Tags
	out := make([]string, 0, len(t.General)+len(t.Artist)+len(t.Character)+len(t.Species))
	for _, bucket := range [][]string{t.General, t.Artist, t.Copyright, t.Character, t.Species, t.Invalid, t.Meta, t.Lore} {
		out = append(out, bucket...)
	}
	return out
}

// HasTag 判断任意桶中是否含有指定标签。
func (p *Post) HasTag(tag string) bool {
	for _, t := range p.FlatTags() {
		if t == tag {
			return true
		}
	}
	return false
}

// HasPreview 报告是否存在缩略图地址（被屏蔽/删除的帖子通常为空）。
func (p *Post) HasPreview() bool { return p.Preview.URL != "" }

// Ext 返回文件扩展名；抓取得到的部分帖子没有 ext 字段，回退到 URL 后缀。
func (p *Post) Ext() string {
	if p.File.Ext != "" {
		return strings.ToLower(p.File.Ext)
	}
	if p.File.URL == "" {
		return ""
	}
	u := p.File.URL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(u), "."))
}

// PreviewText 为列表视图的一行摘要：收藏数、得分方向与评论数。
func (p *Post) PreviewText() string {
	arrow := "-"
	switch {
	case p.Score.Total > 0:
		arrow = "↑"
	case p.Score.Total < 0:
		arrow = "↓"
	}
	return fmt.Sprintf("❤︎ %d %s %d 💬 %d", p.FavCount, arrow, p.Score.Total, p.CommentCount)
}

var (
	imageExts = map[string]bool{"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "bmp": true}
	videoExts = map[string]bool{"webm": true, "mp4": true, "mov": true}
)

func IsImageExt(ext string) bool { return imageExts[strings.ToLower(ext)] }
func IsVideoExt(ext string) bool { return videoExts[strings.ToLower(ext)] }
