package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"ectracker/internal/config"
	"ectracker/internal/fetch"
	"ectracker/internal/notify"
	"ectracker/internal/pkg/dedup"
	"ectracker/internal/pkg/logger"
	"ectracker/internal/pkg/ratelimit"
	"ectracker/internal/scheduler"
	"ectracker/internal/stockalert"
	"ectracker/internal/store"
	"ectracker/internal/subscription"
	"ectracker/internal/tracker"
)

const schedulerWorkers = 4

// app 聚合 CLI 各子命令共用的组件。
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	tracker  *tracker.Tracker
	email    *notify.EmailChannel
	registry *subscription.Registry
}

// main 是追踪工具的入口函数。
//
// 它负责：
// 1. 加载配置与初始化日志
// 2. 连接 MySQL 并组装追踪器
// 3. 按子命令执行一次性操作或启动常驻调度进程
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	st, err := store.Open(cfg.MySQL.DSN, appLogger)
	if err != nil {
		appLogger.Error("open store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	var (
		limiter    fetch.Limiter
		suppressor notify.Suppressor
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if cfg.Fetch.RateLimit > 0 {
			limiter = ratelimit.New(rdb, appLogger, "", cfg.Fetch.RateLimit, cfg.Fetch.RateBurst)
		}
		suppressor = dedup.NewSuppressor(rdb, time.Hour)
	} else if cfg.Fetch.RateLimit > 0 {
		// Redis なしの場合はプロセス内レートリミットにフォールバック
		limiter = ratelimit.NewLocal(cfg.Fetch.RateLimit, int(cfg.Fetch.RateBurst))
	}

	engine := fetch.NewEngine(cfg.Fetch, cfg.Browser, limiter, appLogger)

	email := notify.NewEmailChannel(&cfg.Email, appLogger)
	var channels []notify.Channel
	if cfg.Email.Enabled {
		channels = append(channels, email)
	}
	if cfg.Slack.Enabled {
		channels = append(channels, notify.NewSlackChannel(&cfg.Slack, appLogger))
	}
	if cfg.Line.Enabled {
		channels = append(channels, notify.NewLineChannel(&cfg.Line, appLogger))
	}
	dispatcher := notify.NewDispatcher(st, channels, suppressor, appLogger)

	a := &app{
		cfg:      cfg,
		logger:   appLogger,
		store:    st,
		tracker:  tracker.New(st, engine, dispatcher, cfg, appLogger),
		email:    email,
		registry: subscription.NewRegistry(st, appLogger),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "add":
		a.cmdAdd(ctx, args[1:])
	case "add-bulk":
		a.cmdAddBulk(ctx, args[1:])
	case "update":
		a.cmdUpdate(ctx, args[1:])
	case "export":
		a.cmdExport(ctx)
	case "subscribe":
		a.cmdSubscribe(ctx, args[1:], true)
	case "unsubscribe":
		a.cmdSubscribe(ctx, args[1:], false)
	case "schedule":
		a.cmdSchedule(ctx, args[1:])
	case "tasks":
		a.cmdTasks()
	case "task-run":
		a.cmdTaskRun(ctx, args[1:])
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `EC商品価格・在庫追跡ツール

使い方:
  tracker add <url>                商品を追加
  tracker add-bulk <file>          URLリストから一括追加
  tracker update [--id N]          商品情報を更新（--id 省略で全件）
  tracker export                   CSVにエクスポート
  tracker subscribe --product N --email X [--phone Y]
                                   再入荷通知を登録
  tracker unsubscribe --product N [--email X] [--phone Y]
                                   再入荷通知を解除
  tracker schedule [--interval N]  定期実行デーモンを起動（N時間おきに全件更新）
  tracker tasks                    登録タスクと次回実行時刻を表示
  tracker task-run <id>            タスクを即時実行`)
}

func (a *app) cmdAdd(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "使い方: tracker add <url>")
		os.Exit(2)
	}

	id, err := a.tracker.AddProduct(ctx, args[0])
	if err != nil {
		a.logger.Error("add product failed", slog.String("error", err.Error()))
		fmt.Println("商品の追加に失敗しました")
		os.Exit(1)
	}
	fmt.Printf("商品を追加しました（ID: %d）\n", id)
}

func (a *app) cmdAddBulk(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "使い方: tracker add-bulk <file>")
		os.Exit(2)
	}

	urls, err := loadURLsFromFile(args[0])
	if err != nil || len(urls) == 0 {
		fmt.Println("URLが見つからないか、ファイルの読み込みに失敗しました")
		os.Exit(1)
	}

	fmt.Printf("%d件の商品を追加します...\n", len(urls))
	success := a.tracker.AddBulk(ctx, urls)
	fmt.Printf("%d/%d件の商品を追加しました\n", success, len(urls))
}

func (a *app) cmdUpdate(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	id := fs.Uint("id", 0, "更新する商品のID（指定がなければすべて更新）")
	fs.Parse(args)

	if *id > 0 {
		if err := a.tracker.UpdateProduct(ctx, uint(*id)); err != nil {
			a.logger.Error("update failed", slog.String("error", err.Error()))
			fmt.Printf("商品（ID: %d）の更新に失敗しました\n", *id)
			os.Exit(1)
		}
		fmt.Printf("商品（ID: %d）を更新しました\n", *id)
		return
	}

	updated, _, err := a.tracker.UpdateAll(ctx)
	if err != nil {
		a.logger.Error("batch update failed", slog.String("error", err.Error()))
	}
	fmt.Printf("%d件の商品を更新しました\n", updated)
}

func (a *app) cmdExport(ctx context.Context) {
	path, err := a.tracker.Export(ctx)
	if err != nil {
		a.logger.Error("export failed", slog.String("error", err.Error()))
		fmt.Println("エクスポートに失敗しました")
		os.Exit(1)
	}
	fmt.Printf("エクスポートが完了しました: %s\n", path)
}

func (a *app) cmdSubscribe(ctx context.Context, args []string, subscribe bool) {
	name := "unsubscribe"
	if subscribe {
		name = "subscribe"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	product := fs.Uint("product", 0, "商品ID")
	email := fs.String("email", "", "メールアドレス")
	phone := fs.String("phone", "", "電話番号")
	fs.Parse(args)

	if *product == 0 {
		fmt.Fprintln(os.Stderr, "--product は必須です")
		os.Exit(2)
	}

	if subscribe {
		if err := a.registry.Subscribe(ctx, uint(*product), *email, *phone); err != nil {
			fmt.Printf("再入荷通知の登録に失敗しました: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("再入荷通知を登録しました（商品ID: %d）\n", *product)
		return
	}

	if err := a.registry.Unsubscribe(ctx, uint(*product), *email, *phone); err != nil {
		fmt.Printf("再入荷通知の解除に失敗しました: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("再入荷通知を解除しました（商品ID: %d）\n", *product)
}

// buildScheduler 组装默认任务表加再入荷监视任务。
//
// intervalHours > 0 时，update_all 从每天 09:00 改为每 N 小时一次。
func (a *app) buildScheduler(intervalHours int) (*scheduler.Scheduler, error) {
	sched := scheduler.New(a.logger, schedulerWorkers)

	tasks := &scheduler.Tasks{
		Tracker: a.tracker,
		Store:   a.store,
		Mailer:  a.email,
		Cfg:     a.cfg,
		Logger:  a.logger,
	}
	if err := tasks.RegisterDefaults(sched); err != nil {
		return nil, err
	}

	if intervalHours > 0 {
		spec := fmt.Sprintf("%dh", intervalHours)
		if err := sched.Add("update_all", "every", spec, tasks.UpdateAll); err != nil {
			return nil, err
		}
	}

	monitor := stockalert.New(a.store, a.registry, a.email, a.logger)
	if err := sched.Add("stock_alert", "hourly", ":00", monitor.Check); err != nil {
		return nil, err
	}
	return sched, nil
}

// cmdSchedule 启动常驻调度进程：默认任务表 + 再入荷监视 + 指标服务。
func (a *app) cmdSchedule(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	interval := fs.Int("interval", 0, "全件更新の間隔（時間、0で毎日09:00）")
	fs.Parse(args)

	sched, err := a.buildScheduler(*interval)
	if err != nil {
		a.logger.Error("build scheduler failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:    a.cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		a.logger.Info("metrics server started", slog.String("addr", a.cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	sched.Start(ctx)
	fmt.Println("定期実行を開始しました。Ctrl+Cで停止してください。")

	<-ctx.Done()
	a.logger.Info("shutting down scheduler...")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	a.logger.Info("scheduler stopped gracefully")
}

func (a *app) cmdTasks() {
	sched, err := a.buildScheduler(0)
	if err != nil {
		a.logger.Error("build scheduler failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	for _, st := range sched.Status("") {
		state := "有効"
		if !st.Enabled {
			state = "無効"
		}
		fmt.Printf("%-24s %-8s %-16s %s\n", st.ID, st.Frequency, st.TimeSpec, state)
	}
}

func (a *app) cmdTaskRun(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "使い方: tracker task-run <id>")
		os.Exit(2)
	}

	sched, err := a.buildScheduler(0)
	if err != nil {
		a.logger.Error("build scheduler failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := sched.RunNow(ctx, args[0]); err != nil {
		fmt.Printf("タスク %s の実行に失敗しました: %v\n", args[0], err)
		os.Exit(1)
	}
	fmt.Printf("タスク %s を実行しました\n", args[0])
}

// loadURLsFromFile 读取 URL 列表文件，跳过空行与 # 注释。
func loadURLsFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}
