// 包 store 提供本地缓存（SQLite 默认，可选 PostgreSQL），包含表迁移/写入/查询/清理等操作。
// 帖子以原始 JSON 保存，另存少量摘要列用于筛选与统计。
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"go-ebrowser/internal/model"
)

// ErrNotFound 表示缓存中不存在所请求的记录。
var ErrNotFound = errors.New("not found")

// Store 封装 *sql.DB；SQL 统一以 ? 占位，PostgreSQL 下改写为 $n。
type Store struct {
	db     *sql.DB
	driver string
}

// Stats 为缓存概况。
type Stats struct {
	PostsTotal   int       `json:"posts_total"`
	PostsPartial int       `json:"posts_partial"`
	Searches     int       `json:"searches"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Search 为一次已缓存的列表请求。
type Search struct {
	Mode      model.ListMode `json:"mode"`
	Query     string         `json:"query"`
	PoolID    int            `json:"pool_id"`
	Page      int            `json:"page"`
	PostCount int            `json:"post_count"`
	MaxPage   int            `json:"max_page"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// ListOptions 为 ListPosts 的筛选条件，零值表示不限。
type ListOptions struct {
	Rating string
	Limit  int
	Offset int
}

// Open 按类型打开数据库：sqlite（默认）或 postgres。
func Open(typ, dsn string) (*Store, error) {
	switch typ {
	case "", "sqlite":
		return OpenSQLite(dsn)
	case "postgres":
		return OpenPostgres(dsn)
	}
	return nil, fmt.Errorf("unsupported database type: %s", typ)
}

// OpenSQLite 打开 SQLite 数据库并执行自动迁移。
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, driver: "sqlite"}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// OpenPostgres 连接 PostgreSQL（lib/pq）并执行自动迁移。
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db, driver: "postgres"}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Reset 清空业务数据表（不删除数据库文件）。
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM posts`); err != nil {
		return fmt.Errorf("delete posts: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM searches`); err != nil {
		return fmt.Errorf("delete searches: %w", err)
	}
	return nil
}

// migrate 执行建表语句，保持幂等；两种数据库共用同一份 DDL。
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posts (
            id BIGINT PRIMARY KEY,
            rating TEXT NOT NULL,
            score INTEGER NOT NULL,
            fav_count INTEGER NOT NULL,
            ext TEXT NOT NULL,
            md5 TEXT NOT NULL,
            preview_url TEXT NOT NULL,
            file_url TEXT NOT NULL,
            tags TEXT NOT NULL,
            partial BOOLEAN NOT NULL,
            raw TEXT NOT NULL,
            fetched_at BIGINT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS searches (
            mode TEXT NOT NULL,
            query TEXT NOT NULL,
            pool_id BIGINT NOT NULL,
            page INTEGER NOT NULL,
            post_ids TEXT NOT NULL,
            post_count INTEGER NOT NULL,
            max_page INTEGER NOT NULL,
            fetched_at BIGINT NOT NULL,
            PRIMARY KEY (mode, query, pool_id, page)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_posts_fetched_at ON posts (fetched_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("exec migrate: %w", err)
		}
	}
	return nil
}

// rebind 将 ? 占位符改写为 PostgreSQL 的 $1..$n。
func (s *Store) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertPostSQL = `INSERT INTO posts(id, rating, score, fav_count, ext, md5, preview_url, file_url, tags, partial, raw, fetched_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET rating=excluded.rating, score=excluded.score, fav_count=excluded.fav_count,
            ext=excluded.ext, md5=excluded.md5, preview_url=excluded.preview_url, file_url=excluded.file_url,
            tags=excluded.tags, partial=excluded.partial, raw=excluded.raw, fetched_at=excluded.fetched_at
        WHERE posts.partial OR NOT excluded.partial`

// upsertPost 插入或更新帖子；部分帖子不会覆盖已有的完整记录。
func (s *Store) upsertPost(ctx context.Context, ex execer, p model.Post, at time.Time) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal post %d: %w", p.ID, err)
	}
	_, err = ex.ExecContext(ctx, s.rebind(upsertPostSQL),
		p.ID, p.Rating, p.Score.Total, p.FavCount, p.Ext(), p.File.MD5, p.Preview.URL, p.File.URL,
		strings.Join(p.FlatTags(), " "), p.Partial, string(raw), at.Unix())
	if err != nil {
		return fmt.Errorf("upsert post %d: %w", p.ID, err)
	}
	return nil
}

// UpsertPost 写入单个帖子。
func (s *Store) UpsertPost(ctx context.Context, p model.Post) error {
	return s.upsertPost(ctx, s.db, p, time.Now())
}

// UpsertPage 在一个事务中写入结果页的全部帖子与对应的搜索记录。
func (s *Store) UpsertPage(ctx context.Context, page *model.PostPage) error {
	if page == nil {
		return errors.New("nil page")
	}
	at := page.FetchedAt
	if at.IsZero() {
		at = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(page.Posts))
	for _, p := range page.Posts {
		if err := s.upsertPost(ctx, tx, p, at); err != nil {
			return err
		}
		ids = append(ids, strconv.Itoa(p.ID))
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO searches(mode, query, pool_id, page, post_ids, post_count, max_page, fetched_at)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(mode, query, pool_id, page) DO UPDATE SET post_ids=excluded.post_ids, post_count=excluded.post_count,
            max_page=excluded.max_page, fetched_at=excluded.fetched_at`),
		string(page.Mode), page.Query, page.PoolID, page.Page, strings.Join(ids, ","), len(ids), page.MaxPage, at.Unix())
	if err != nil {
		return fmt.Errorf("upsert search %s %q page %d: %w", page.Mode, page.Query, page.Page, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetPost 按 ID 读取帖子，不存在时返回 ErrNotFound。
func (s *Store) GetPost(ctx context.Context, id int) (*model.Post, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT raw FROM posts WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query post %d: %w", id, err)
	}
	var p model.Post
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode post %d: %w", id, err)
	}
	return &p, nil
}

// ListPosts 返回缓存中的帖子，按 ID 倒序（即最新上传在前）。
func (s *Store) ListPosts(ctx context.Context, o ListOptions) ([]model.Post, error) {
	q := `SELECT raw FROM posts`
	var args []any
	if o.Rating != "" {
		q += ` WHERE rating = ?`
		args = append(args, o.Rating)
	}
	q += ` ORDER BY id DESC`
	if o.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, o.Limit, o.Offset)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()
	out := []model.Post{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan posts: %w", err)
		}
		var p model.Post
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode post: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return out, nil
}

// LoadPage 重建已缓存的结果页；被清理掉的帖子会被略过。
func (s *Store) LoadPage(ctx context.Context, mode model.ListMode, query string, poolID, page int) (*model.PostPage, error) {
	var ids string
	var maxPage int
	var at int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT post_ids, max_page, fetched_at FROM searches
        WHERE mode = ? AND query = ? AND pool_id = ? AND page = ?`), string(mode), query, poolID, page).Scan(&ids, &maxPage, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query search: %w", err)
	}
	out := model.NewPostPage(mode)
	out.Query = query
	out.PoolID = poolID
	out.Page = page
	out.MaxPage = maxPage
	out.FetchedAt = time.Unix(at, 0)
	for _, part := range strings.Split(ids, ",") {
		id, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		p, err := s.GetPost(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out.Posts = append(out.Posts, *p)
	}
	return out, nil
}

// ListSearches 返回全部搜索记录，最近抓取在前。
func (s *Store) ListSearches(ctx context.Context) ([]Search, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mode, query, pool_id, page, post_count, max_page, fetched_at FROM searches ORDER BY fetched_at DESC, page ASC`)
	if err != nil {
		return nil, fmt.Errorf("query searches: %w", err)
	}
	defer rows.Close()
	var out []Search
	for rows.Next() {
		var sr Search
		var mode string
		var at int64
		if err := rows.Scan(&mode, &sr.Query, &sr.PoolID, &sr.Page, &sr.PostCount, &sr.MaxPage, &at); err != nil {
			return nil, fmt.Errorf("scan searches: %w", err)
		}
		sr.Mode = model.ListMode(mode)
		sr.FetchedAt = time.Unix(at, 0)
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate searches: %w", err)
	}
	return out, nil
}

// Stats 统计汇总：帖子总数/部分帖子数/搜索记录数。
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM posts`).Scan(&st.PostsTotal); err != nil {
		return st, fmt.Errorf("count posts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM posts WHERE partial`).Scan(&st.PostsPartial); err != nil {
		return st, fmt.Errorf("count partial posts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM searches`).Scan(&st.Searches); err != nil {
		return st, fmt.Errorf("count searches: %w", err)
	}
	st.UpdatedAt = time.Now()
	return st, nil
}

// CleanOldPosts 按天数阈值清理过期缓存（基于 fetched_at），返回删除的帖子数。
func (s *Store) CleanOldPosts(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM posts WHERE fetched_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean old posts: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM searches WHERE fetched_at < ?`), cutoff); err != nil {
		return 0, fmt.Errorf("clean old searches: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
