package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rate-watch/internal/config"
	"rate-watch/internal/fetcher"
	"rate-watch/internal/fetcher/fetchertest"
	"rate-watch/internal/storage"
)

const quotePage = `<html><body>
<form method="post" action="/quote">
  <select name="pjname"><option value="1316">美元</option></select>
  <img id="captcha_img" src="/captcha">
  <input type="text" name="captcha" value="">
  <input type="submit" value="查询">
</form>
</body></html>`

const quoteResult = `<html><body><table align="left">
<tr><th>货币名称</th><th>现汇买入价</th><th>现钞买入价</th><th>现汇卖出价</th></tr>
<tr><td>美元</td><td>712.35</td><td>706.56</td><td>715.37</td></tr>
</table></body></html>`

type pushes struct {
	mu     sync.Mutex
	titles []string
}

func (p *pushes) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.titles)
}

func newFixture(t *testing.T) (*config.Config, *pushes) {
	t.Helper()
	sent := &pushes{}
	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(quoteResult))
			return
		}
		_, _ = w.Write([]byte(quotePage))
	})
	mux.HandleFunc("/captcha", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	mux.HandleFunc("/ocr/b64/json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":200,"result":"ab12","msg":""}`))
	})
	mux.HandleFunc("/push/", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		sent.mu.Lock()
		sent.titles = append(sent.titles, r.PostForm.Get("title"))
		sent.mu.Unlock()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		General: config.GeneralConfig{
			NotifyKey:       "SCTkey",
			IntervalSeconds: 600,
			Currency:        "美元",
			ExcelFile:       filepath.Join(t.TempDir(), "rates.xlsx"),
			SheetName:       "汇率记录",
		},
		Bank: config.BankConfig{
			URL:            srv.URL + "/quote",
			RequestTimeout: 2 * time.Second,
			SelectName:     "pjname",
			CaptchaImageID: "captcha_img",
			CaptchaField:   "captcha",
			SubmitValue:    "查询",
			ResultTable:    `table[align="left"]`,
			CaptchaWait:    time.Second,
		},
		Captcha: config.CaptchaConfig{MaxAttempts: 3},
		OCR:     config.OCRConfig{BaseURL: srv.URL, Timeout: time.Second},
		Alerting: config.AlertingConfig{
			Threshold:  0.5,
			Channels:   []string{config.ChannelServerChan},
			Timeout:    time.Second,
			ServerChan: config.ServerChanConfig{Endpoint: srv.URL + "/push/%s.send"},
		},
		Export: config.ExportConfig{MaxDataPoints: 100},
	}
	return cfg, sent
}

func newTestApp(cfg *config.Config) (*App, *bytes.Buffer) {
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func seed(t *testing.T, cfg *config.Config, rates map[string]string) {
	t.Helper()
	wb := storage.NewWorkbook(cfg.General.ExcelFile, cfg.General.SheetName)
	keys := make([]string, 0, len(rates))
	for ts := range rates {
		keys = append(keys, ts)
	}
	sort.Strings(keys)
	for _, ts := range keys {
		require.NoError(t, wb.Append(context.Background(), storage.Observation{
			Timestamp:   ts,
			Currency:    "美元",
			BuyTransfer: decimal.RequireFromString(rates[ts]),
			BuyCash:     "706.56",
			Sell:        "715.37",
		}))
	}
}

func TestOnceWritesWorkbookRow(t *testing.T) {
	cfg, sent := newFixture(t)
	a, _ := newTestApp(cfg)

	res, err := a.Once(context.Background())
	require.NoError(t, err)
	require.Equal(t, fetcher.StatusSuccess, res.Status, res.Reason)
	assert.Contains(t, Describe(res), "现汇买入价 712.35")

	rows, err := a.workbook().ListRecent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "715.37", rows[0].Sell)
	assert.Zero(t, sent.count(), "first observation never alerts")
}

func TestShow(t *testing.T) {
	cfg, _ := newFixture(t)
	seed(t, cfg, map[string]string{
		"2025-03-04 09:00:00": "712.35",
		"2025-03-04 09:10:00": "712.90",
	})
	a, out := newTestApp(cfg)

	require.NoError(t, a.Show(context.Background(), ShowOptions{Limit: 1}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "现汇买入价")
	assert.Contains(t, lines[1], "712.9")
}

func TestShowEmpty(t *testing.T) {
	cfg, _ := newFixture(t)
	a, out := newTestApp(cfg)
	require.NoError(t, a.Show(context.Background(), ShowOptions{Limit: 5}))
	assert.Contains(t, out.String(), "no observations")
}

func TestExportCSVAndPNG(t *testing.T) {
	cfg, _ := newFixture(t)
	seed(t, cfg, map[string]string{
		"2025-03-04 09:00:00": "712.35",
		"2025-03-04 09:10:00": "712.90",
		"2025-03-04 09:20:00": "713.10",
	})
	a, _ := newTestApp(cfg)

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "rates.csv")
	pngPath := filepath.Join(dir, "out", "rates.png")
	from := time.Date(2025, 3, 4, 9, 5, 0, 0, time.Local)
	require.NoError(t, a.Export(context.Background(), ExportOptions{CSVPath: csvPath, PNGPath: pngPath, From: &from}))

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, storage.Header, records[0])
	assert.Equal(t, "712.9", records[1][2])

	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestExportRequiresTarget(t *testing.T) {
	cfg, _ := newFixture(t)
	a, _ := newTestApp(cfg)
	assert.Error(t, a.Export(context.Background(), ExportOptions{}))
}

func TestDownsample(t *testing.T) {
	rows := make([]storage.Observation, 10)
	for i := range rows {
		rows[i].Timestamp = time.Date(2025, 1, 1, 0, i, 0, 0, time.Local).Format(storage.TimestampLayout)
	}
	got := downsample(rows, 4)
	require.Len(t, got, 4)
	assert.Equal(t, rows[0], got[0])
	assert.Equal(t, rows[9], got[3])
	assert.Len(t, downsample(rows, 0), 10)
}

func TestSimulateAlert(t *testing.T) {
	cfg, sent := newFixture(t)
	a, out := newTestApp(cfg)

	err := a.SimulateAlert(context.Background(), decimal.RequireFromString("7.1234"), decimal.RequireFromString("7.7234"))
	require.NoError(t, err)
	assert.Equal(t, 1, sent.count())
	assert.Contains(t, out.String(), "7.1234 ➜ 7.7234")

	out.Reset()
	err = a.SimulateAlert(context.Background(), decimal.RequireFromString("7.1"), decimal.RequireFromString("7.5999"))
	require.NoError(t, err)
	assert.Equal(t, 1, sent.count(), "below threshold must not push")
	assert.Contains(t, out.String(), "低于阈值")
}

func TestSimulateAlertNoChannels(t *testing.T) {
	cfg, _ := newFixture(t)
	cfg.Alerting.Channels = nil
	a, _ := newTestApp(cfg)
	assert.Error(t, a.SimulateAlert(context.Background(), decimal.NewFromInt(1), decimal.NewFromInt(2)))
}

func TestShowFromDatabaseNotConfigured(t *testing.T) {
	cfg, _ := newFixture(t)
	a, _ := newTestApp(cfg)
	err := a.Show(context.Background(), ShowOptions{Limit: 5, FromDatabase: true})
	assert.ErrorContains(t, err, "database not configured")
}

// closingPage counts Close calls on a scripted page.
type closingPage struct {
	*fetchertest.Page
	closes   int
	afterRow func()
}

func (c *closingPage) ResultRows(ctx context.Context) ([][]string, error) {
	rows, err := c.Page.ResultRows(ctx)
	if c.afterRow != nil {
		c.afterRow()
	}
	return rows, err
}

func (c *closingPage) Close() error {
	c.closes++
	return nil
}

func withPage(a *App, page *closingPage) {
	a.openPage = func() (pageSession, error) { return page, nil }
}

func TestRunReleasesPageOnFatalError(t *testing.T) {
	cfg, _ := newFixture(t)
	a, _ := newTestApp(cfg)

	boom := errors.New("connection refused")
	page := &closingPage{Page: fetchertest.NewPage("美元")}
	page.NavigateErr = boom
	withPage(a, page)

	err := a.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, page.closes)
}

func TestRunReleasesPageOnInterrupt(t *testing.T) {
	cfg, _ := newFixture(t)
	a, _ := newTestApp(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	page := &closingPage{
		Page:     fetchertest.NewPage("美元").Queue(fetchertest.Row("712.35")),
		afterRow: cancel,
	}
	withPage(a, page)

	require.NoError(t, a.Run(ctx))
	assert.Equal(t, 1, page.closes)
	assert.Equal(t, 1, page.Navigations)
}

func TestOnceReleasesPage(t *testing.T) {
	cfg, _ := newFixture(t)
	a, _ := newTestApp(cfg)

	page := &closingPage{Page: fetchertest.NewPage("美元").Queue(fetchertest.Row("712.35"))}
	withPage(a, page)

	res, err := a.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fetcher.StatusSuccess, res.Status)
	assert.Equal(t, 1, page.closes)
}

func TestOnceMaintenancePageIsHardFailure(t *testing.T) {
	cfg, _ := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>系统维护中，请稍后再试</p></body></html>`))
	}))
	defer srv.Close()
	cfg.Bank.URL = srv.URL + "/quote"
	a, _ := newTestApp(cfg)

	res, err := a.Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fetcher.StatusFailed, res.Status)
	assert.Contains(t, res.Reason, "not offered")

	rows, err := a.workbook().ListRecent(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
