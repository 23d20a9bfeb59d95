// 订单簿守恒审计: 校验持久化的订单与成交是否满足数量守恒。
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
)

const (
	// 每个订单: orig_qty = 累计成交量 + leaves_qty
	conservationQuery = `
SELECT
    o.order_id,
    o.symbol,
    o.orig_qty,
    o.leaves_qty,
    COALESCE(f.filled, 0) AS filled,
    o.orig_qty - o.leaves_qty - COALESCE(f.filled, 0) AS diff
FROM exchange_matching.orders o
LEFT JOIN (
    SELECT order_id, SUM(qty) AS filled FROM (
        SELECT maker_order_id AS order_id, qty FROM exchange_matching.trades
        UNION ALL
        SELECT taker_order_id AS order_id, qty FROM exchange_matching.trades
    ) sides
    GROUP BY order_id
) f ON f.order_id = o.order_id
WHERE o.orig_qty <> o.leaves_qty + COALESCE(f.filled, 0);
`
	// leaves_qty 必须在 [0, orig_qty] 区间
	leavesRangeQuery = `
SELECT order_id, symbol, orig_qty, leaves_qty, 0 AS filled, leaves_qty AS diff
FROM exchange_matching.orders
WHERE leaves_qty < 0 OR leaves_qty > orig_qty;
`
	// 状态与剩余量一致: open 未成交, filled 无剩余, partial 介于两者之间
	statusQuery = `
SELECT order_id, symbol, orig_qty, leaves_qty, status AS filled, leaves_qty AS diff
FROM exchange_matching.orders
WHERE (status = 1 AND leaves_qty <> orig_qty)
   OR (status = 2 AND (leaves_qty <= 0 OR leaves_qty >= orig_qty))
   OR (status = 3 AND leaves_qty <> 0);
`
	orderCountQuery = `
SELECT COUNT(*), COUNT(DISTINCT symbol) FROM exchange_matching.orders;
`
)

type auditConfig struct {
	DBURL        string
	Verbose      bool
	Alert        bool
	WebhookURL   string
	ReportPath   string
	Cron         string
	StoreHistory bool
}

type violation struct {
	OrderID   int64  `json:"order_id"`
	Symbol    string `json:"symbol"`
	Kind      string `json:"kind"`
	OrigQty   int64  `json:"orig_qty"`
	LeavesQty int64  `json:"leaves_qty"`
	Filled    int64  `json:"filled"`
	Diff      int64  `json:"diff"`
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (auditConfig, error) {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg auditConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code on violation")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for violation alerts")
	fs.StringVar(&cfg.ReportPath, "report", "", "write detailed report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled audit runs")
	fs.BoolVar(&cfg.StoreHistory, "history", false, "store audit history in database")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg auditConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	code, err := runWithDB(ctx, db, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg auditConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled audit...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled audit...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled audit exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runWithDB(ctx context.Context, db *sql.DB, cfg auditConfig, out, errOut io.Writer) (int, error) {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting conservation checks...")
	}

	orderCount, symbolCount, err := fetchCounts(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to count orders: %w", err)
	}

	checks := []struct {
		name  string
		query string
	}{
		{"conservation", conservationQuery},
		{"leaves_range", leavesRangeQuery},
		{"status", statusQuery},
	}

	var violations []violation
	for _, check := range checks {
		if cfg.Verbose {
			fmt.Fprintf(out, "Checking %s...\n", check.name)
		}
		found, err := fetchViolations(ctx, db, check.query, check.name)
		if err != nil {
			return 2, fmt.Errorf("failed to query %s violations: %w", check.name, err)
		}
		violations = append(violations, found...)
	}

	report := buildReport(orderCount, symbolCount, violations)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}
	if cfg.StoreHistory {
		if err := storeHistory(ctx, db, report); err != nil {
			return 2, fmt.Errorf("failed to store history: %w", err)
		}
	}

	if len(violations) == 0 {
		fmt.Fprintf(out, "✓ Audit passed: %d orders, %d symbols checked\n", orderCount, symbolCount)
		return 0, nil
	}

	for _, v := range violations {
		fmt.Fprintf(errOut, "✗ Violation found: order_id=%d, symbol=%s, kind=%s, diff=%d\n", v.OrderID, v.Symbol, v.Kind, v.Diff)
	}

	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, violations); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}

	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

func fetchCounts(ctx context.Context, db *sql.DB) (int64, int64, error) {
	var orderCount, symbolCount int64
	if err := db.QueryRowContext(ctx, orderCountQuery).Scan(&orderCount, &symbolCount); err != nil {
		return 0, 0, err
	}
	return orderCount, symbolCount, nil
}

func fetchViolations(ctx context.Context, db *sql.DB, query, kind string) ([]violation, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []violation
	for rows.Next() {
		var v violation
		if err := rows.Scan(&v.OrderID, &v.Symbol, &v.OrigQty, &v.LeavesQty, &v.Filled, &v.Diff); err != nil {
			return nil, err
		}
		v.Kind = kind
		results = append(results, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func sendWebhook(ctx context.Context, url string, violations []violation) error {
	payload := map[string]interface{}{
		"message":    "order book conservation violations detected",
		"violations": violations,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

type auditReport struct {
	RunAt          string      `json:"run_at"`
	OrderCount     int64       `json:"order_count"`
	SymbolCount    int64       `json:"symbol_count"`
	ViolationCount int         `json:"violation_count"`
	Violations     []violation `json:"violations"`
}

func buildReport(orderCount, symbolCount int64, violations []violation) auditReport {
	return auditReport{
		RunAt:          time.Now().UTC().Format(time.RFC3339),
		OrderCount:     orderCount,
		SymbolCount:    symbolCount,
		ViolationCount: len(violations),
		Violations:     violations,
	}
}

func writeReport(path string, report auditReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func storeHistory(ctx context.Context, db *sql.DB, report auditReport) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS exchange_matching.audit_history (
    id BIGSERIAL PRIMARY KEY,
    run_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    report JSONB NOT NULL
);`)
	if err != nil {
		return err
	}
	status := "ok"
	if report.ViolationCount > 0 {
		status = "violation"
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO exchange_matching.audit_history (run_at, status, report)
VALUES ($1, $2, $3);`, report.RunAt, status, payload)
	return err
}
