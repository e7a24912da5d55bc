// 包 scrape 提供 HTML 页面解析：
// - 依据 rules 预设的 CSS 选择器读取分页器最大页数
// - 将图池页中的 article 元素（data-* 属性）重建为部分帖子
// - 相对 URL 按站点根地址绝对化
package scrape

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"go-ebrowser/internal/logx"
	"go-ebrowser/internal/model"
	"go-ebrowser/internal/rules"
)

// ErrNoContainer 表示页面中找不到帖子列表容器（页面结构变化或被拦截）。
var ErrNoContainer = errors.New("posts container not found")

// Extractor 按预设从已解析的文档中抽取数据，可并发使用。
type Extractor struct {
	preset rules.Preset
	base   string
}

// New 创建 Extractor；base 为站点根地址，用于绝对化相对链接，可为空。
func New(preset rules.Preset, base string) *Extractor {
	return &Extractor{preset: preset.WithDefaults(), base: base}
}

// SearchMaxPage 解析搜索结果页的分页器。
func (e *Extractor) SearchMaxPage(doc *goquery.Document) (int, bool) {
	return lastPage(doc, e.preset.SearchPaginator)
}

// PoolMaxPage 解析图池页的分页器。
func (e *Extractor) PoolMaxPage(doc *goquery.Document) (int, bool) {
	return lastPage(doc, e.preset.PoolPaginator)
}

// PoolPosts 读取帖子列表容器中的条目；格式错误的条目记录日志后跳过。
func (e *Extractor) PoolPosts(doc *goquery.Document) ([]model.Post, error) {
	pl := e.preset.PoolPosts
	list := doc.Find(pl.Container).First()
	if list.Length() == 0 {
		return nil, ErrNoContainer
	}
	out := []model.Post{}
	list.Children().Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) != pl.Item {
			return
		}
		p, err := ParseSummary(s)
		if err != nil {
			logx.Warnf("跳过无法解析的条目：%v", err)
			return
		}
		p.Preview.URL = abs(e.base, p.Preview.URL)
		p.Sample.URL = abs(e.base, p.Sample.URL)
		p.File.URL = abs(e.base, p.File.URL)
		out = append(out, p)
	})
	return out, nil
}

// ParseSummary 将单个条目的 data-* 属性重建为部分帖子：
// data-id 必填；数值属性缺省为 0，存在但无法解析视为格式错误；rating 缺省为 s。
func ParseSummary(s *goquery.Selection) (model.Post, error) {
	p := model.Post{Partial: true, Rating: "s"}
	idText, ok := s.Attr("data-id")
	if !ok {
		return p, errors.New("missing data-id")
	}
	id, err := strconv.Atoi(strings.TrimSpace(idText))
	if err != nil {
		return p, fmt.Errorf("parse data-id %q: %w", idText, err)
	}
	p.ID = id

	ints := []struct {
		attr string
		dst  *int
	}{
		{"data-fav-count", &p.FavCount},
		{"data-preview-width", &p.Preview.Width},
		{"data-preview-height", &p.Preview.Height},
		{"data-score", &p.Score.Total},
	}
	for _, f := range ints {
		v, ok := s.Attr(f.attr)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return p, fmt.Errorf("post %d: parse %s %q: %w", id, f.attr, v, err)
		}
		*f.dst = n
	}

	if r := strings.TrimSpace(s.AttrOr("data-rating", "")); r != "" {
		p.Rating = r
	}
	p.Preview.URL = strings.TrimSpace(s.AttrOr("data-preview-url", ""))
	p.Sample.URL = strings.TrimSpace(s.AttrOr("data-large-url", ""))
	p.Sample.Has = p.Sample.URL != ""
	p.File.URL = strings.TrimSpace(s.AttrOr("data-file-url", ""))
	p.Tags.General = strings.Fields(s.AttrOr("data-tags", ""))
	if len(p.Tags.General) == 0 {
		p.Tags.General = nil
	}
	return p, nil
}

// lastPage 取分页器中最后一个匹配项的首个子节点文本作为页数。
func lastPage(doc *goquery.Document, pg *rules.Paginator) (int, bool) {
	if doc == nil || pg == nil || pg.Container == "" {
		return 0, false
	}
	nav := doc.Find(pg.Container).First()
	if nav.Length() == 0 {
		return 0, false
	}
	var last *goquery.Selection
	nav.Children().Each(func(_ int, s *goquery.Selection) {
		class := s.AttrOr("class", "")
		for _, m := range pg.Match {
			if m != "" && strings.Contains(class, m) {
				last = s
				return
			}
		}
	})
	if last == nil {
		return 0, false
	}
	first := last.Contents().First()
	if first.Length() == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(first.Text()))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// abs 将相对链接转换为绝对 URL。
func abs(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == "" {
		return ref
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	bu, err := url.Parse(base)
	if err != nil {
		return ref
	}
	ru, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return bu.ResolveReference(ru).String()
}
