package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ectracker/internal/pkg/metrics"
	"ectracker/internal/pkg/queue"
)

// 调度器时间参数。
const (
	tickInterval    = 1 * time.Second
	shutdownTimeout = 10 * time.Second
)

// TaskFunc 一个可调度的任务。
type TaskFunc func(ctx context.Context) error

// RunResult 任务最近一次执行的结果。
type RunResult struct {
	Time    time.Time
	Success bool
	Err     string
}

// TaskStatus 任务状态快照。
type TaskStatus struct {
	ID        string
	Frequency string
	TimeSpec  string
	Enabled   bool
	LastRun   *RunResult
}

type task struct {
	id        string
	frequency string
	timeSpec  string
	fn        TaskFunc
	enabled   bool
	nextRun   time.Time

	// 保证同一任务不会并发执行
	runMu sync.Mutex
}

// Scheduler 周期任务调度器。
//
// tick 循环每秒检查一次到期任务，把执行卸载到 worker 池，
// 长任务不会阻塞后续任务的判定。同一任务的执行互斥，
// 上一次还没结束时跳过本次触发。
type Scheduler struct {
	logger *slog.Logger
	pool   *queue.Queue

	mu      sync.Mutex
	tasks   map[string]*task
	lastRun map[string]RunResult

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// New 创建调度器。workers 为并发执行任务的 worker 数。
func New(logger *slog.Logger, workers int) *Scheduler {
	return &Scheduler{
		logger:  logger,
		pool:    queue.New(logger, workers, 16),
		tasks:   make(map[string]*task),
		lastRun: make(map[string]RunResult),
		now:     time.Now,
	}
}

// Add 注册任务。同名任务会被覆盖。
//
// frequency 与 timeSpec 的组合:
//
//	hourly  ":MM"          每小时的第 MM 分
//	daily   "HH:MM"        每天 HH:MM
//	weekly  "monday HH:MM" 每周指定曜日的 HH:MM
//	monthly "DD HH:MM"     每月 DD 日的 HH:MM
//	every   "6h"           固定间隔（time.ParseDuration 格式）
func (s *Scheduler) Add(id, frequency, timeSpec string, fn TaskFunc) error {
	if _, err := nextAfter(s.now(), frequency, timeSpec); err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; exists {
		s.logger.Warn("task already exists, updating", slog.String("task", id))
	}
	s.tasks[id] = &task{
		id:        id,
		frequency: frequency,
		timeSpec:  timeSpec,
		fn:        fn,
		enabled:   true,
	}
	s.logger.Info("task added",
		slog.String("task", id),
		slog.String("frequency", frequency),
		slog.String("time_spec", timeSpec))
	return nil
}

// Remove 删除任务。
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	s.logger.Info("task removed", slog.String("task", id))
	return true
}

// Enable 切换任务启用状态。重新启用时从当前时间重算下次执行。
func (s *Scheduler) Enable(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.enabled = enabled
	if enabled {
		t.nextRun, _ = nextAfter(s.now(), t.frequency, t.timeSpec)
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	s.logger.Info("task state changed", slog.String("task", id), slog.String("state", state))
	return true
}

// Start 启动调度循环。重复调用返回 false。
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true

	now := s.now()
	for _, t := range s.tasks {
		t.nextRun, _ = nextAfter(now, t.frequency, t.timeSpec)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.pool.Start(loopCtx)
	go s.loop(loopCtx)

	s.logger.Info("scheduler started")
	return true
}

// Stop 停止调度循环并等待在途任务完成。
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	if err := s.pool.ShutdownWithTimeout(shutdownTimeout); err != nil {
		s.logger.Error("scheduler pool shutdown timeout", slog.String("error", err.Error()))
	}
	s.logger.Info("scheduler stopped")
	return true
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue 把所有到期任务入队，并推进其下次执行时间。
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if t.enabled && !t.nextRun.IsZero() && !now.Before(t.nextRun) {
			due = append(due, t)
			t.nextRun, _ = nextAfter(now, t.frequency, t.timeSpec)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t := t
		ok := s.pool.Enqueue(func(ctx context.Context) error {
			return s.execute(ctx, t)
		})
		if !ok {
			s.logger.Error("task dropped, worker pool saturated", slog.String("task", t.id))
		}
	}
}

// ErrAlreadyRunning 任务的上一次执行尚未结束。
var ErrAlreadyRunning = errors.New("task is already running")

// execute 执行任务并记录结果。上一次执行未结束时跳过本次触发。
func (s *Scheduler) execute(ctx context.Context, t *task) error {
	if !t.runMu.TryLock() {
		s.logger.Warn("task still running, skip this trigger", slog.String("task", t.id))
		return nil
	}
	defer t.runMu.Unlock()
	return s.run(ctx, t)
}

// run 在已持有 runMu 的前提下执行任务。
func (s *Scheduler) run(ctx context.Context, t *task) error {
	s.logger.Info("running task", slog.String("task", t.id))
	start := s.now()

	err := runRecovered(ctx, t.fn)
	elapsed := time.Since(start)
	metrics.TaskDuration.WithLabelValues(t.id).Observe(elapsed.Seconds())

	result := RunResult{Time: start, Success: err == nil}
	if err != nil {
		result.Err = err.Error()
		metrics.TaskRunTotal.WithLabelValues(t.id, "failure").Inc()
		s.logger.Error("task failed",
			slog.String("task", t.id),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
	} else {
		metrics.TaskRunTotal.WithLabelValues(t.id, "success").Inc()
		s.logger.Info("task completed",
			slog.String("task", t.id),
			slog.Duration("elapsed", elapsed))
	}

	s.mu.Lock()
	s.lastRun[t.id] = result
	s.mu.Unlock()
	return err
}

func runRecovered(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return fn(ctx)
}

// RunNow 立即同步执行任务，忽略启用状态与调度时刻。
//
// 任务不存在时报错；同一任务正在执行时返回 ErrAlreadyRunning，
// 不等待也不排队。
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task: %s", id)
	}

	if !t.runMu.TryLock() {
		return fmt.Errorf("task %s: %w", id, ErrAlreadyRunning)
	}
	defer t.runMu.Unlock()
	return s.run(ctx, t)
}

// Status 返回任务状态。id 为空时返回全部任务，按 ID 排序。
func (s *Scheduler) Status(id string) []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	build := func(t *task) TaskStatus {
		st := TaskStatus{
			ID:        t.id,
			Frequency: t.frequency,
			TimeSpec:  t.timeSpec,
			Enabled:   t.enabled,
		}
		if last, ok := s.lastRun[t.id]; ok {
			copied := last
			st.LastRun = &copied
		}
		return st
	}

	if id != "" {
		if t, ok := s.tasks[id]; ok {
			return []TaskStatus{build(t)}
		}
		return nil
	}

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, build(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// nextAfter 计算 frequency/timeSpec 在 now 之后的下一次执行时间。
func nextAfter(now time.Time, frequency, timeSpec string) (time.Time, error) {
	switch frequency {
	case "hourly":
		min, err := parseMinuteSpec(timeSpec)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), min, 0, 0, now.Location())
		for !next.After(now) {
			next = next.Add(time.Hour)
		}
		return next, nil

	case "daily":
		hour, min, err := parseClock(timeSpec)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
		for !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case "weekly":
		fields := strings.Fields(timeSpec)
		if len(fields) != 2 {
			return time.Time{}, fmt.Errorf("invalid weekly spec %q", timeSpec)
		}
		weekday, err := parseWeekday(fields[0])
		if err != nil {
			return time.Time{}, err
		}
		hour, min, err := parseClock(fields[1])
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
		for next.Weekday() != weekday || !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case "monthly":
		fields := strings.Fields(timeSpec)
		if len(fields) != 2 {
			return time.Time{}, fmt.Errorf("invalid monthly spec %q", timeSpec)
		}
		day, err := strconv.Atoi(fields[0])
		if err != nil || day < 1 || day > 28 {
			return time.Time{}, fmt.Errorf("invalid day of month %q", fields[0])
		}
		hour, min, err := parseClock(fields[1])
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), day, hour, min, 0, 0, now.Location())
		for !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
		return next, nil

	case "every":
		d, err := time.ParseDuration(timeSpec)
		if err != nil || d < time.Minute {
			return time.Time{}, fmt.Errorf("invalid interval spec %q", timeSpec)
		}
		return now.Add(d), nil
	}

	return time.Time{}, fmt.Errorf("unknown frequency %q", frequency)
}

func parseMinuteSpec(spec string) (int, error) {
	spec = strings.TrimPrefix(spec, ":")
	min, err := strconv.Atoi(spec)
	if err != nil || min < 0 || min > 59 {
		return 0, fmt.Errorf("invalid minute spec %q", spec)
	}
	return min, nil
}

func parseClock(spec string) (int, int, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock spec %q", spec)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", spec)
	}
	min, err := strconv.Atoi(parts[1])
	if err != nil || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", spec)
	}
	return hour, min, nil
}

func parseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(name) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("invalid weekday %q", name)
}
