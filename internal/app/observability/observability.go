package observability

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"asncorpu/internal/logger"
	"asncorpu/internal/survey"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type key struct {
	Method string
	Path   string
	Status int
}

type stat struct {
	Count     int64
	LatencyMS float64
}

type Collector struct {
	db  *sql.DB
	log *zap.Logger

	mu           sync.RWMutex
	requestStats map[key]stat
	startedAt    time.Time
}

func NewCollector(db *sql.DB, log *zap.Logger) *Collector {
	return &Collector{
		db:           db,
		log:          logger.OrNop(log),
		requestStats: make(map[key]stat),
		startedAt:    time.Now(),
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
		path := normalizedPath(r.URL.Path)

		c.mu.Lock()
		k := key{Method: r.Method, Path: path, Status: rec.status}
		s := c.requestStats[k]
		s.Count++
		s.LatencyMS += latencyMS
		c.requestStats[k] = s
		c.mu.Unlock()

		fields := []zap.Field{
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", rec.status),
			zap.Float64("latency_ms", latencyMS),
			zap.String("remote_ip", strings.TrimSpace(r.RemoteAddr)),
		}
		ref := extractSurveyRef(r.URL.Path)
		if ref.SurveyID > 0 {
			fields = append(fields, zap.Int64("survey_id", ref.SurveyID))
		}
		if ref.Tahun > 0 {
			fields = append(fields, zap.Int("tahun", ref.Tahun))
		}

		switch {
		case rec.status >= 500:
			c.log.Error("http request", fields...)
		case rec.status >= 400:
			c.log.Warn("http request", fields...)
		default:
			c.log.Info("http request", fields...)
		}
	})
}

func (c *Collector) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	statsCopy := make(map[key]stat, len(c.requestStats))
	for k, v := range c.requestStats {
		statsCopy[k] = v
	}
	startedAt := c.startedAt
	c.mu.RUnlock()

	keys := make([]key, 0, len(statsCopy))
	for k := range statsCopy {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Status < keys[j].Status
	})

	var sb strings.Builder
	sb.WriteString("# asncorpu observability metrics\n")
	sb.WriteString("# TYPE asncorpu_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("asncorpu_uptime_seconds %.0f\n", time.Since(startedAt).Seconds()))

	sb.WriteString("# TYPE asncorpu_http_requests_total counter\n")
	sb.WriteString("# TYPE asncorpu_http_request_latency_ms_sum counter\n")
	sb.WriteString("# TYPE asncorpu_http_request_latency_ms_avg gauge\n")
	for _, k := range keys {
		s := statsCopy[k]
		labels := fmt.Sprintf("method=\"%s\",path=\"%s\",status=\"%d\"", k.Method, k.Path, k.Status)
		sb.WriteString(fmt.Sprintf("asncorpu_http_requests_total{%s} %d\n", labels, s.Count))
		sb.WriteString(fmt.Sprintf("asncorpu_http_request_latency_ms_sum{%s} %.3f\n", labels, s.LatencyMS))
		avg := 0.0
		if s.Count > 0 {
			avg = s.LatencyMS / float64(s.Count)
		}
		sb.WriteString(fmt.Sprintf("asncorpu_http_request_latency_ms_avg{%s} %.3f\n", labels, avg))
	}

	if c.db != nil {
		dbs := c.db.Stats()
		sb.WriteString("# TYPE asncorpu_db_open_connections gauge\n")
		sb.WriteString(fmt.Sprintf("asncorpu_db_open_connections %d\n", dbs.OpenConnections))
		sb.WriteString("# TYPE asncorpu_db_in_use_connections gauge\n")
		sb.WriteString(fmt.Sprintf("asncorpu_db_in_use_connections %d\n", dbs.InUse))
		sb.WriteString("# TYPE asncorpu_db_idle_connections gauge\n")
		sb.WriteString(fmt.Sprintf("asncorpu_db_idle_connections %d\n", dbs.Idle))
		sb.WriteString("# TYPE asncorpu_db_wait_count counter\n")
		sb.WriteString(fmt.Sprintf("asncorpu_db_wait_count %d\n", dbs.WaitCount))
		sb.WriteString("# TYPE asncorpu_db_wait_duration_ms counter\n")
		sb.WriteString(fmt.Sprintf("asncorpu_db_wait_duration_ms %.3f\n", float64(dbs.WaitDuration.Microseconds())/1000.0))

		c.writeSurveyGauges(r.Context(), &sb)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// writeSurveyGauges reports submission counts per year and verification
// state. Failures only drop the gauges; the endpoint keeps serving.
func (c *Collector) writeSurveyGauges(ctx context.Context, sb *strings.Builder) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, `
		SELECT sr.tahun, COALESCE(vo.is_verified, FALSE), COUNT(*)
		FROM survey_responses sr
		LEFT JOIN verification_overlays vo ON vo.survey_id = sr.id
		GROUP BY sr.tahun, COALESCE(vo.is_verified, FALSE)
		ORDER BY sr.tahun
	`)
	if err != nil {
		c.log.Warn("survey gauges unavailable", zap.Error(err))
		return
	}
	defer rows.Close()

	sb.WriteString("# TYPE asncorpu_surveys gauge\n")
	for rows.Next() {
		var (
			tahun    int
			verified bool
			n        int64
		)
		if err := rows.Scan(&tahun, &verified, &n); err != nil {
			c.log.Warn("survey gauges scan failed", zap.Error(err))
			return
		}
		status := "pending"
		if verified {
			status = "verified"
		}
		sb.WriteString(fmt.Sprintf("asncorpu_surveys{tahun=\"%d\",status=\"%s\"} %d\n", tahun, status, n))
	}
}

func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

type surveyRef struct {
	SurveyID int64
	Tahun    int
}

// extractSurveyRef pulls the survey id (admin verification routes) or the
// survey year (institution, report and import routes) out of a raw path.
func extractSurveyRef(path string) surveyRef {
	var ref surveyRef
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		switch parts[i] {
		case "surveys":
			n, err := strconv.ParseInt(parts[i+1], 10, 64)
			if err != nil {
				continue
			}
			if i > 0 && parts[i-1] == "admin" {
				ref.SurveyID = n
			} else if isYear(n) {
				ref.Tahun = int(n)
			}
		case "reports", "imports":
			if n, err := strconv.ParseInt(parts[i+1], 10, 64); err == nil && isYear(n) {
				ref.Tahun = int(n)
			}
		case "results":
			if i+2 < len(parts) {
				if n, err := strconv.ParseInt(parts[i+2], 10, 64); err == nil && isYear(n) {
					ref.Tahun = int(n)
				}
			}
		}
	}
	return ref
}

func isYear(n int64) bool {
	return n >= survey.MinYear && n <= survey.MaxYear
}
