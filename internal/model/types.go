// 包 model 定义 e621 的数据模型（帖子/文件/标签/分页结果）。
// 字段名即为 posts.json 的线上契约，除 Partial 外均与 API 一一对应。
package model

import "time"

// FallbackMaxPage 为无法从分页控件解析页数时的保守默认值。
const FallbackMaxPage = 750

// ListMode 区分平铺搜索结果与图池（pool）结果。
type ListMode string

const (
	ModePosts ListMode = "posts"
	ModePools ListMode = "pools"
)

// Post 表示单个媒体条目；Partial=true 表示由 HTML 抓取重建，仅填充部分字段。
type Post struct {
	ID            int           `json:"id"`
	CreatedAt     Timestamp     `json:"created_at"`
	UpdatedAt     Timestamp     `json:"updated_at"`
	File          File          `json:"file"`
	Preview       Preview       `json:"preview"`
	Sample        Sample        `json:"sample"`
	Score         Score         `json:"score"`
	Tags          Tags          `json:"tags"`
	LockedTags    []string      `json:"locked_tags"`
	ChangeSeq     int           `json:"change_seq"`
	Flags         Flags         `json:"flags"`
	Rating        string        `json:"rating"` // s|q|e
	FavCount      int           `json:"fav_count"`
	Sources       []string      `json:"sources"`
	Pools         []int         `json:"pools"`
	Relationships Relationships `json:"relationships"`
	ApproverID    *int          `json:"approver_id"`
	UploaderID    int           `json:"uploader_id"`
	Description   string        `json:"description"`
	CommentCount  int           `json:"comment_count"`
	IsFavorited   bool          `json:"is_favorited"`
	HasNotes      bool          `json:"has_notes"`
	Duration      *float64      `json:"duration"`
	Partial       bool          `json:"partial,omitempty"`
}

type File struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Ext    string `json:"ext"`
	Size   int    `json:"size"`
	MD5    string `json:"md5"`
	URL    string `json:"url"`
}

type Preview struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	URL    string `json:"url"`
}

// Sample 为中等尺寸渲染；Alternates 以变体名（720p/480p/original）为键。
// 使用指针区分"字段缺失"与"空对象 {}"，二者都需原样写回。
type Sample struct {
	Has        bool                `json:"has"`
	Width      int                 `json:"width"`
	Height     int                 `json:"height"`
	URL        string              `json:"url"`
	Alternates *map[string]Quality `json:"alternates,omitempty"`
}

// Alternate 返回指定变体，不存在时 ok=false。
func (s *Sample) Alternate(name string) (Quality, bool) {
	if s.Alternates == nil {
		return Quality{}, false
	}
	q, ok := (*s.Alternates)[name]
	return q, ok
}

// Quality 的 URLs 可能含 null 项。
type Quality struct {
	Type   string    `json:"type"`
	Height int       `json:"height"`
	Width  int       `json:"width"`
	URLs   []*string `json:"urls"`
}

type Score struct {
	Up    int `json:"up"`
	Down  int `json:"down"`
	Total int `json:"total"`
}

// Tags 为八个互不相交的标签桶；桶内有序，不保证去重。
type Tags struct {
	General   []string `json:"general"`
	Artist    []string `json:"artist"`
	Copyright []string `json:"copyright"`
	Character []string `json:"character"`
	Species   []string `json:"species"`
	Invalid   []string `json:"invalid"`
	Meta      []string `json:"meta"`
	Lore      []string `json:"lore"`
}

type Flags struct {
	Pending      bool `json:"pending"`
	Flagged      bool `json:"flagged"`
	NoteLocked   bool `json:"note_locked"`
	StatusLocked bool `json:"status_locked"`
	RatingLocked bool `json:"rating_locked"`
	Deleted      bool `json:"deleted"`
}

type Relationships struct {
	ParentID          *int  `json:"parent_id"`
	HasChildren       bool  `json:"has_children"`
	HasActiveChildren bool  `json:"has_active_children"`
	Children          []int `json:"children"`
}

// PostPage 为一次抓取的结果页。MaxPage 仅供参考：
// 结果的真正终点是"返回了空页"，而不是 page == MaxPage。
type PostPage struct {
	Mode      ListMode  `json:"mode"`
	PoolID    int       `json:"poolId"`
	Posts     []Post    `json:"posts"`
	Page      int       `json:"page"`
	FetchedAt time.Time `json:"fetchedAt"`
	Query     string    `json:"query"`
	Limit     int       `json:"limit"`
	MaxPage   int       `json:"maxPage"`
}

// NewPostPage 返回带默认值的空结果页（page=1，limit=-1，maxPage=750）。
func NewPostPage(mode ListMode) *PostPage {
	return &PostPage{
		Mode:      mode,
		Posts:     []Post{},
		Page:      1,
		FetchedAt: time.Now(),
		Limit:     -1,
		MaxPage:   FallbackMaxPage,
	}
}
