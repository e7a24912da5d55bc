// 命令行入口：
// - 解析 flags、settings.yaml/rules.yaml 与 .env
// - 初始化日志、HTTP 客户端、数据库与下载器
// - 支持交互式浏览（搜索/翻页/排序）、图池、批量抓取、离线查看与 HTTP 网关
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go-ebrowser/internal/aggregate"
	"go-ebrowser/internal/browse"
	"go-ebrowser/internal/config"
	"go-ebrowser/internal/download"
	"go-ebrowser/internal/e621"
	"go-ebrowser/internal/export"
	"go-ebrowser/internal/fetch"
	"go-ebrowser/internal/logx"
	"go-ebrowser/internal/model"
	"go-ebrowser/internal/rules"
	"go-ebrowser/internal/scrape"
	"go-ebrowser/internal/server"
	"go-ebrowser/internal/store"
)

const mediaMaxBody = 512 << 20

func main() {
	var (
		configPath = flag.String("config", "settings.yaml", "path to settings.yaml")
		rulesPath  = flag.String("rules", "rules.yaml", "path to rules.yaml (optional)")
		envPath    = flag.String("env", ".env", "path to .env (optional)")
		tags       = flag.String("tags", "", "search tags")
		page       = flag.Int("page", 1, "page to open")
		limit      = flag.Int("limit", 0, "posts per page (max 320, 0 = server default)")
		sortBy     = flag.String("sort", "", "sort posts: date|favorites|score")
		poolID     = flag.Int("pool", 0, "list posts of a pool instead of searching")
		crawl      = flag.Int("crawl", 0, "fetch up to N consecutive pages into the cache")
		interact   = flag.Bool("i", false, "interactive browsing (n/p/g N/s KEY/q)")
		offline    = flag.Bool("offline", false, "show the last saved snapshot without network access")
		serve      = flag.Bool("serve", false, "run the HTTP gateway")
		login      = flag.String("login", "", "set credentials as user:apikey")
		logout     = flag.Bool("logout", false, "clear stored credentials")
		save       = flag.Bool("save", false, "write changed settings back to the config file")
		exportPath = flag.String("export", "", "export cached posts to a json file")
	)
	flag.Parse()

	// 1) 加载配置、.env 与规则
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("load config: %v", err)
		}
		cfg = config.Default()
	}
	if err := cfg.ApplyEnv(*envPath); err != nil {
		log.Fatalf("apply env: %v", err)
	}
	var rl *rules.Rules
	if *rulesPath != "" {
		if r, err := rules.Load(*rulesPath); err == nil {
			rl = r
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Printf("load rules failed: %v", err)
		}
	}
	preset, _ := rl.GetPreset(cfg.RulesPreset)

	// 2) 初始化日志：级别/格式/语言/颜色/文件
	if err := logx.Init(logx.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Locale: cfg.LogLocale,
		Color:  cfg.LogColor,
		File:   cfg.LogFile,
	}); err != nil {
		log.Fatalf("init log: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := config.NewManager(cfg, *configPath)
	if *login != "" || *logout {
		if err := mgr.Update(func(c *config.Config) { c.Credentials = parseLogin(*login, *logout) }); err != nil {
			log.Fatalf("update credentials: %v", err)
		}
	}
	if *save {
		if err := mgr.Save(); err != nil {
			log.Fatalf("save config: %v", err)
		}
		logx.Infof("配置已保存：%s", *configPath)
	}
	cur := mgr.Current()

	// 3) 离线查看：只读快照，不建立任何连接
	if *offline {
		snap, storedMax, err := export.ReadSnapshot(cur.SnapshotPath)
		if err != nil {
			logx.Errorf("读取快照失败：%v", err)
			os.Exit(1)
		}
		s := browse.New(nil, browse.Options{Sort: mustSort(*sortBy)})
		s.Restore(snap, storedMax)
		printState(s.State())
		return
	}

	// 4) HTTP 客户端（代理、限速）与站点客户端
	fc, err := fetch.New(fetch.Options{
		ProxyHTTP:  cur.Proxy.HTTP,
		ProxyHTTPS: cur.Proxy.HTTPS,
		Timeout:    cur.Timeout(),
		RateLimit:  cur.RateLimit,
	})
	if err != nil {
		log.Fatalf("http client: %v", err)
	}
	cl, err := e621.New(e621.Options{
		Host:        cur.Host,
		UserAgent:   cur.UserAgent,
		Timeout:     cur.Timeout(),
		Credentials: credsOf(cur.Credentials),
		Fetcher:     fc,
		Extractor:   scrape.New(preset.WithDefaults(), cur.Host),
	})
	if err != nil {
		log.Fatalf("e621 client: %v", err)
	}
	cancelSub := mgr.Subscribe(func(c config.Config) { cl.SetCredentials(credsOf(c.Credentials)) })
	defer cancelSub()

	// 5) 数据存储：极简模式不打开数据库；正常模式打开并按需重置
	var st *store.Store
	if !cur.SimpleMode {
		st, err = store.Open(cur.Database.Type, cur.Database.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer st.Close()
		if cur.ResetOnStart {
			if err := st.Reset(ctx); err != nil {
				logx.Warnf("启动清理数据库失败：%v", err)
			} else {
				logx.Infof("已清理数据库表（posts/searches）")
			}
		}
	} else {
		logx.Infof("极简模式：跳过数据库打开与清理")
	}
	if cur.ResetOnStart && cur.SnapshotPath != "" {
		if err := os.Remove(cur.SnapshotPath); err == nil {
			logx.Infof("已删除快照文件：%s", cur.SnapshotPath)
		}
	}

	switch {
	case *serve:
		if err := server.Run(ctx, cur.Server.Addr, &server.Handler{Src: cl, Store: st}); err != nil {
			logx.Errorf("网关运行失败：%v", err)
			os.Exit(1)
		}

	case *crawl > 0:
		dl, err := newDownloader(ctx, &cur)
		if err != nil {
			log.Fatalf("downloader: %v", err)
		}
		job := aggregate.Job{Tags: *tags, MaxPages: *crawl, Limit: *limit}
		if *poolID > 0 {
			job.Mode = model.ModePools
			job.PoolID = *poolID
		}
		run := aggregate.New(&cur, cl, st, dl)
		if _, err := run.Run(ctx, job); err != nil {
			logx.Errorf("运行失败：%v", err)
			os.Exit(1)
		}
		if cur.SimpleMode {
			path := *exportPath
			if path == "" {
				path = "data.json"
			}
			if err := export.ToJSONData(run.BufferData(), path); err != nil {
				log.Fatalf("export json: %v", err)
			}
			logx.Infof("已导出 %s", path)
		}

	case *poolID > 0:
		res, err := cl.GetPoolPosts(ctx, *poolID, *page)
		if err != nil {
			fail(err)
		}
		if st != nil {
			if err := st.UpsertPage(ctx, res); err != nil {
				logx.Warnf("写入缓存失败：%v", err)
			}
		}
		fmt.Printf("pool %d page %d/%d\n", res.PoolID, res.Page, res.MaxPage)
		for i := range res.Posts {
			fmt.Printf("#%d %s\n", res.Posts[i].ID, res.Posts[i].PreviewText())
		}

	default:
		s := browse.New(cl, browse.Options{
			Limit: *limit,
			Sort:  mustSort(*sortBy),
			OnPage: func(p *model.PostPage) {
				if err := export.WriteSnapshot(cur.SnapshotPath, p); err != nil {
					logx.Warnf("写入快照失败：%v", err)
				}
				if st != nil {
					if err := st.UpsertPage(ctx, p); err != nil {
						logx.Warnf("写入缓存失败：%v", err)
					}
				}
			},
		})
		if err := s.Search(ctx, *tags); err != nil {
			fail(err)
		}
		if *page > 1 {
			if err := s.Goto(ctx, *page); err != nil && !errors.Is(err, browse.ErrLastPage) {
				fail(err)
			}
		}
		printState(s.State())
		if *interact {
			repl(ctx, s)
		}
	}

	if *exportPath != "" && st != nil {
		if err := export.ToJSON(ctx, st, *exportPath); err != nil {
			log.Fatalf("export json: %v", err)
		}
		logx.Infof("已导出 %s", *exportPath)
	}
}

// repl 读取标准输入的简单翻页命令。
func repl(ctx context.Context, s *browse.Session) {
	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		var err error
		switch {
		case len(f) == 0:
		case f[0] == "q":
			return
		case f[0] == "n":
			err = s.Next(ctx)
		case f[0] == "p":
			err = s.Prev(ctx)
		case f[0] == "g" && len(f) == 2:
			n, perr := strconv.Atoi(f[1])
			if perr != nil {
				err = perr
				break
			}
			err = s.Goto(ctx, n)
		case f[0] == "s" && len(f) == 2:
			k, perr := browse.ParseSortKey(f[1])
			if perr != nil {
				err = perr
				break
			}
			s.SetSort(k)
		case f[0] == "/":
			err = s.Search(ctx, strings.Join(f[1:], " "))
		default:
			err = fmt.Errorf("unknown command %q", f[0])
		}
		if err != nil {
			fmt.Println("error:", err)
		} else if len(f) > 0 {
			printState(s.State())
		}
		fmt.Print("> ")
	}
}

func printState(st browse.State) {
	fmt.Printf("%q page %d/%d sort=%s\n", st.Query, st.Page, st.MaxPage, st.Sort)
	for i := range st.Posts {
		p := &st.Posts[i]
		fmt.Printf("#%d [%s] %s\n", p.ID, p.Rating, p.PreviewText())
	}
}

func newDownloader(ctx context.Context, c *config.Config) (*download.Downloader, error) {
	if !c.Download.Images && !c.Download.Videos {
		return nil, nil
	}
	mc, err := fetch.New(fetch.Options{
		ProxyHTTP:  c.Proxy.HTTP,
		ProxyHTTPS: c.Proxy.HTTPS,
		Timeout:    10 * time.Minute,
		RateLimit:  c.RateLimit,
		MaxBody:    mediaMaxBody,
	})
	if err != nil {
		return nil, err
	}
	var sink download.Sink = download.LocalSink{Dir: c.Download.Dir}
	if s3c := c.Download.S3; s3c.Bucket != "" {
		s, err := download.NewS3Sink(ctx, download.S3Options{
			Bucket:    s3c.Bucket,
			Region:    s3c.Region,
			Endpoint:  s3c.Endpoint,
			AccessKey: s3c.AccessKey,
			SecretKey: s3c.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		sink = s
	}
	return &download.Downloader{
		Fetch:       mc,
		Sink:        sink,
		Images:      c.Download.Images,
		Videos:      c.Download.Videos,
		Concurrency: c.Download.Concurrency,
		UserAgent:   c.UserAgent,
	}, nil
}

func parseLogin(s string, clear bool) config.Credentials {
	if clear {
		return config.Credentials{}
	}
	user, key, ok := strings.Cut(s, ":")
	if !ok {
		log.Fatalf("-login expects user:apikey")
	}
	return config.Credentials{Username: strings.TrimSpace(user), APIKey: strings.TrimSpace(key)}
}

func credsOf(c config.Credentials) *e621.Credentials {
	if !c.Set() {
		return nil
	}
	return &e621.Credentials{Username: c.Username, APIKey: c.APIKey}
}

func mustSort(s string) browse.SortKey {
	k, err := browse.ParseSortKey(s)
	if err != nil {
		log.Fatalf("sort: %v", err)
	}
	return k
}

func fail(err error) {
	logx.Errorf("请求失败（%s）：%v", e621.KindOf(err), err)
	os.Exit(1)
}
