package scheduler

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ectracker/internal/config"
	"ectracker/internal/model"
	"ectracker/internal/notify"
)

// 维护类任务的保留期限。
const (
	backupRetention = 30 * 24 * time.Hour
	reportRetention = 30 * 24 * time.Hour
)

// Tracker 默认任务需要的批量操作。
type Tracker interface {
	// UpdateAll 抓取所有商品，返回成功数与总数。
	UpdateAll(ctx context.Context) (updated int, total int, err error)
	// Export 导出商品数据，返回导出文件路径。
	Export(ctx context.Context) (string, error)
}

// ReportStore 报表与备份任务的数据访问。
type ReportStore interface {
	ListProducts(ctx context.Context) ([]model.Product, error)
	RecentSnapshots(ctx context.Context, productID uint, limit int) ([]model.PriceSnapshot, error)
	SnapshotsSince(ctx context.Context, productID uint, since time.Time) ([]model.PriceSnapshot, error)
}

// ReportMailer 周报邮件投递。
type ReportMailer interface {
	SendTo(ctx context.Context, to []string, msg notify.Message) error
}

// Tasks 默认任务的依赖集合。
type Tasks struct {
	Tracker Tracker
	Store   ReportStore
	Mailer  ReportMailer
	Cfg     *config.Config
	Logger  *slog.Logger
}

// RegisterDefaults 注册默认任务表。
//
//	update_all             daily  09:00
//	export_csv             daily  09:30
//	backup_db              weekly monday 01:00
//	clean_old_reports      weekly sunday 03:00
//	generate_weekly_report weekly monday 10:00
func (t *Tasks) RegisterDefaults(s *Scheduler) error {
	entries := []struct {
		id        string
		frequency string
		timeSpec  string
		fn        TaskFunc
	}{
		{"update_all", "daily", "09:00", t.UpdateAll},
		{"export_csv", "daily", "09:30", t.ExportCSV},
		{"backup_db", "weekly", "monday 01:00", t.BackupDatabase},
		{"clean_old_reports", "weekly", "sunday 03:00", t.CleanOldReports},
		{"generate_weekly_report", "weekly", "monday 10:00", t.GenerateWeeklyReport},
	}
	for _, e := range entries {
		if err := s.Add(e.id, e.frequency, e.timeSpec, e.fn); err != nil {
			return err
		}
	}
	return nil
}

// UpdateAll 全量更新所有商品。
func (t *Tasks) UpdateAll(ctx context.Context) error {
	updated, total, err := t.Tracker.UpdateAll(ctx)
	if err != nil {
		return err
	}
	t.Logger.Info("batch update finished",
		slog.Int("updated", updated),
		slog.Int("total", total))
	return nil
}

// ExportCSV 导出商品数据。
func (t *Tasks) ExportCSV(ctx context.Context) error {
	path, err := t.Tracker.Export(ctx)
	if err != nil {
		return err
	}
	t.Logger.Info("export finished", slog.String("path", path))
	return nil
}

// BackupDatabase 把商品与快照导出为 CSV 并压缩存档，
// 然后清理超过保留期的旧备份。
func (t *Tasks) BackupDatabase(ctx context.Context) error {
	backupDir := t.Cfg.App.BackupDir
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	today := time.Now().Format("20060102")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("ectracker_%s.zip", today))

	f, err := os.Create(backupPath)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	if err := t.writeProductsCSV(ctx, zw); err != nil {
		zw.Close()
		return err
	}
	if err := t.writeSnapshotsCSV(ctx, zw); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize backup: %w", err)
	}

	t.Logger.Info("database backup created", slog.String("path", backupPath))

	t.cleanOldBackups(backupDir)
	return nil
}

func (t *Tasks) writeProductsCSV(ctx context.Context, zw *zip.Writer) error {
	w, err := zw.Create("products.csv")
	if err != nil {
		return fmt.Errorf("create products entry: %w", err)
	}
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"id", "name", "url", "image_url", "product_code", "platform", "created_at"}); err != nil {
		return err
	}

	products, err := t.Store.ListProducts(ctx)
	if err != nil {
		return err
	}
	for _, p := range products {
		row := []string{
			strconv.FormatUint(uint64(p.ID), 10),
			p.Name,
			p.URL,
			derefStr(p.ImageURL),
			derefStr(p.ProductCode),
			p.Platform,
			p.CreatedAt.Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (t *Tasks) writeSnapshotsCSV(ctx context.Context, zw *zip.Writer) error {
	w, err := zw.Create("price_history.csv")
	if err != nil {
		return fmt.Errorf("create history entry: %w", err)
	}
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"product_id", "regular_price", "sale_price", "in_stock", "review_count", "review_rating", "fetched_at"}); err != nil {
		return err
	}

	products, err := t.Store.ListProducts(ctx)
	if err != nil {
		return err
	}
	for _, p := range products {
		snaps, err := t.Store.RecentSnapshots(ctx, p.ID, 1000)
		if err != nil {
			return err
		}
		for _, s := range snaps {
			row := []string{
				strconv.FormatUint(uint64(s.ProductID), 10),
				derefFloat(s.RegularPrice),
				derefFloat(s.SalePrice),
				strconv.FormatBool(s.InStock),
				derefInt(s.ReviewCount),
				derefFloat(s.ReviewRating),
				s.FetchedAt.Format(time.RFC3339),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// cleanOldBackups 按文件名中的日期删除过期备份。
func (t *Tasks) cleanOldBackups(backupDir string) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-backupRetention)

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "ectracker_") || !strings.HasSuffix(name, ".zip") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, "ectracker_"), ".zip")
		fileDate, err := time.Parse("20060102", dateStr)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(backupDir, name)); err == nil {
				t.Logger.Info("removed old backup", slog.String("file", name))
			}
		}
	}
}

// 清理时保留的报表文件前缀。
var protectedReportPrefixes = []string{"platform_comparison", "price_trends_"}

// CleanOldReports 删除超过保留期的报表文件。
func (t *Tasks) CleanOldReports(ctx context.Context) error {
	reportDir := t.Cfg.App.ReportDir
	entries, err := os.ReadDir(reportDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read report dir: %w", err)
	}

	cutoff := time.Now().Add(-reportRetention)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if hasAnyPrefix(entry.Name(), protectedReportPrefixes) {
			continue
		}
		if err := os.Remove(filepath.Join(reportDir, entry.Name())); err == nil {
			t.Logger.Info("removed old report", slog.String("file", entry.Name()))
		}
	}
	return nil
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// 周报中提示价格变动的阈值。
const weeklyReportThresholdPct = 5.0

// GenerateWeeklyReport 生成过去 7 天的价格变动周报并邮件发送。
func (t *Tasks) GenerateWeeklyReport(ctx context.Context) error {
	reportDir := t.Cfg.App.ReportDir
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	since := time.Now().AddDate(0, 0, -7)
	products, err := t.Store.ListProducts(ctx)
	if err != nil {
		return err
	}

	type alertRow struct {
		name      string
		url       string
		oldPrice  float64
		newPrice  float64
		changePct float64
	}
	var alerts []alertRow

	for _, p := range products {
		snaps, err := t.Store.SnapshotsSince(ctx, p.ID, since)
		if err != nil {
			return err
		}
		if len(snaps) < 2 {
			continue
		}
		first := snaps[0].ActivePrice()
		last := snaps[len(snaps)-1].ActivePrice()
		if first == nil || last == nil || *first <= 0 {
			continue
		}
		pct := (*last - *first) / *first * 100
		if pct >= weeklyReportThresholdPct || pct <= -weeklyReportThresholdPct {
			alerts = append(alerts, alertRow{
				name:      p.Name,
				url:       p.URL,
				oldPrice:  *first,
				newPrice:  *last,
				changePct: pct,
			})
		}
	}

	var rows strings.Builder
	for _, a := range alerts {
		fmt.Fprintf(&rows,
			"<tr><td><a href=\"%s\">%s</a></td><td>¥%.0f</td><td>¥%.0f</td><td>%+.1f%%</td></tr>\n",
			a.url, a.name, a.oldPrice, a.newPrice, a.changePct)
	}

	now := time.Now()
	html := fmt.Sprintf(`<html>
<head>
<meta charset="UTF-8">
<style>
  body { font-family: Arial, sans-serif; max-width: 1000px; margin: 0 auto; padding: 20px; }
  h1, h2 { color: #2c3e50; }
  .header { background-color: #3498db; color: white; padding: 20px; text-align: center; }
  .section { margin: 20px 0; padding: 15px; border: 1px solid #eee; border-radius: 5px; }
  table { border-collapse: collapse; width: 100%%; }
  th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
  .footer { margin-top: 30px; text-align: center; color: #7f8c8d; font-size: 0.8em; }
</style>
</head>
<body>
  <div class="header">
    <h1>EC商品追跡 週次レポート</h1>
    <p>生成日時: %s</p>
  </div>
  <div class="section">
    <h2>サマリー</h2>
    <p>過去7日間で%.0f%%以上の価格変動があった商品が%d件あります。追跡中の商品は全%d件です。</p>
  </div>
  <div class="section">
    <h2>価格変動アラート</h2>
    <table>
      <tr><th>商品</th><th>7日前</th><th>現在</th><th>変動率</th></tr>
      %s
    </table>
  </div>
  <div class="footer">
    <p>このレポートはEC商品追跡ツールにより自動生成されました。</p>
  </div>
</body>
</html>`,
		now.Format("2006年01月02日 15:04"),
		weeklyReportThresholdPct, len(alerts), len(products), rows.String())

	reportPath := filepath.Join(reportDir, fmt.Sprintf("weekly_report_%s.html", now.Format("20060102")))
	if err := os.WriteFile(reportPath, []byte(html), 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	t.Logger.Info("weekly report generated", slog.String("path", reportPath))

	if t.Mailer != nil && t.Cfg.Email.Enabled {
		msg := notify.Message{
			Kind: "weekly_report",
			Body: fmt.Sprintf("EC商品追跡 週次レポート %s\n価格変動アラート: %d件\nレポート: %s",
				now.Format("2006-01-02"), len(alerts), reportPath),
		}
		if err := t.Mailer.SendTo(ctx, t.Cfg.Email.To, msg); err != nil {
			t.Logger.Error("weekly report email failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func derefInt(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}
