package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/smeird/PubObs/internal/collector"
	"github.com/smeird/PubObs/internal/export"
	"github.com/smeird/PubObs/internal/metrics"
	"github.com/smeird/PubObs/internal/safehours"
	"github.com/smeird/PubObs/internal/store"
)

const (
	defaultDashboardDays = 30
	maxDashboardDays     = 366
	defaultHistoryLimit  = 100
	maxHistoryLimit      = 10000
	last7Days            = 7

	accentFontWeightSetting = "accent_font_weight"
	defaultAccentFontWeight = "600"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Store         store.Store
	Collector     *collector.Collector
	Aggregator    *safehours.Aggregator
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	StartTime     time.Time
	StorageDriver string
	StoragePath   string
	Version       string
	DashboardDays int

	// Now returns the aggregation cutoff; time.Now when nil.
	Now func() time.Time
}

// apiError is a JSON error response.
type apiError struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: status})
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handlers) location() *time.Location {
	if h.Aggregator != nil {
		return h.Aggregator.Location()
	}
	return time.UTC
}

// parseTime accepts RFC3339, YYYY-MM-DD (midnight in loc) or a Unix epoch.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, nil
	}
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format: %q (expected RFC3339, YYYY-MM-DD, or Unix epoch)", s)
}

// parseOptionalRange reads optional start and end query parameters.
func parseOptionalRange(r *http.Request, loc *time.Location) (start, end time.Time, err error) {
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		if start, err = parseTime(v, loc); err != nil {
			return start, end, fmt.Errorf("invalid 'start' parameter: %w", err)
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = parseTime(v, loc); err != nil {
			return start, end, fmt.Errorf("invalid 'end' parameter: %w", err)
		}
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return start, end, errors.New("'start' must be before 'end'")
	}
	return start, end, nil
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// hoursPoint is one chart point.
type hoursPoint struct {
	Label string  `json:"label"`
	Key   string  `json:"key"`
	Hours float64 `json:"hours"`
}

func points(res *safehours.Result) []hoursPoint {
	labels := res.Labels()
	out := make([]hoursPoint, len(res.Buckets))
	for i, b := range res.Buckets {
		out[i] = hoursPoint{Label: labels[i], Key: b.Key, Hours: b.Hours}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// aggregate runs the degrading aggregation and records its outcome.
func (h *Handlers) aggregate(ctx context.Context, start, end time.Time, g safehours.Granularity) (*safehours.Result, error) {
	began := time.Now()
	res, err := h.Aggregator.AggregateOrZero(ctx, start, end, g, h.now())

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Degraded:
		outcome = "degraded"
	}
	h.Metrics.Aggregation(g.String(), outcome, time.Since(began))
	return res, err
}

// SafeHours handles GET /api/v1/safe-hours
func (h *Handlers) SafeHours(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := h.location()

	startStr, endStr := q.Get("start"), q.Get("end")
	if startStr == "" || endStr == "" {
		writeError(w, http.StatusBadRequest, "'start' and 'end' parameters are required")
		return
	}
	start, err := parseTime(startStr, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'start' parameter (RFC3339, YYYY-MM-DD or epoch)")
		return
	}
	end, err := parseTime(endStr, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid 'end' parameter (RFC3339, YYYY-MM-DD or epoch)")
		return
	}

	g := safehours.Day
	if v := q.Get("granularity"); v != "" {
		if g, err = safehours.ParseGranularity(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	res, err := h.aggregate(r.Context(), start, end, g)
	if errors.Is(err, safehours.ErrInvalidRange) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute safe hours")
		return
	}

	type safeHoursResponse struct {
		Granularity string       `json:"granularity"`
		Start       string       `json:"start"`
		End         string       `json:"end"`
		Data        []hoursPoint `json:"data"`
		TotalHours  float64      `json:"total_hours"`
		Truncated   bool         `json:"truncated,omitempty"`
		Degraded    bool         `json:"degraded"`
	}

	writeJSON(w, http.StatusOK, safeHoursResponse{
		Granularity: g.String(),
		Start:       start.In(loc).Format(time.RFC3339),
		End:         end.In(loc).Format(time.RFC3339),
		Data:        points(res),
		TotalHours:  round2(res.TotalHours),
		Truncated:   res.Truncated,
		Degraded:    res.Degraded,
	})
}

// DailySafeHours handles GET /api/v1/safe-hours/daily
func (h *Handlers) DailySafeHours(w http.ResponseWriter, r *http.Request) {
	days := h.DashboardDays
	if days <= 0 {
		days = defaultDashboardDays
	}
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxDashboardDays {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("'days' must be between 1 and %d", maxDashboardDays))
			return
		}
		days = n
	}

	loc := h.location()
	today := safehours.Day.Floor(h.now(), loc)
	start := today.AddDate(0, 0, -(days - 1))
	end := today.AddDate(0, 0, 1)

	res, err := h.aggregate(r.Context(), start, end, safehours.Day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute safe hours")
		return
	}

	var week float64
	for _, b := range res.Buckets[max(0, len(res.Buckets)-last7Days):] {
		week += b.ExactHours
	}

	type dailyResponse struct {
		Days       int          `json:"days"`
		Data       []hoursPoint `json:"data"`
		TotalHours float64      `json:"total_hours"`
		Last7Days  float64      `json:"last_7_days"`
		Degraded   bool         `json:"degraded"`
	}

	writeJSON(w, http.StatusOK, dailyResponse{
		Days:       days,
		Data:       points(res),
		TotalHours: round2(res.TotalHours),
		Last7Days:  round2(week),
		Degraded:   res.Degraded,
	})
}

// MonthlySafeHours handles GET /api/v1/safe-hours/monthly
func (h *Handlers) MonthlySafeHours(w http.ResponseWriter, r *http.Request) {
	loc := h.location()
	year := h.now().In(loc).Year()
	if v := r.URL.Query().Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1970 || n > 9999 {
			writeError(w, http.StatusBadRequest, "invalid 'year' parameter")
			return
		}
		year = n
	}

	start := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
	res, err := h.aggregate(r.Context(), start, start.AddDate(1, 0, 0), safehours.Month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute safe hours")
		return
	}

	type monthlyResponse struct {
		Year       int          `json:"year"`
		Data       []hoursPoint `json:"data"`
		TotalHours float64      `json:"total_hours"`
		Years      []int        `json:"years"`
		Degraded   bool         `json:"degraded"`
	}

	writeJSON(w, http.StatusOK, monthlyResponse{
		Year:       year,
		Data:       points(res),
		TotalHours: round2(res.TotalHours),
		Years:      h.availableYears(r.Context(), year),
		Degraded:   res.Degraded,
	})
}

// availableYears lists the years with samples in the configured location,
// newest first, always including the requested year.
func (h *Handlers) availableYears(ctx context.Context, requested int) []int {
	loc := h.location()
	first, last := requested, requested

	oldest, newest, err := h.Store.GetDataRange(ctx)
	if err != nil {
		h.Logger.Warn("failed to query data range for year list", "error", err)
	} else if !oldest.IsZero() {
		first = min(first, oldest.In(loc).Year())
		last = max(last, newest.In(loc).Year())
	}

	years := make([]int, 0, last-first+1)
	for y := last; y >= first; y-- {
		if y == requested || h.hasSamples(ctx, y, loc) {
			years = append(years, y)
		}
	}
	return years
}

// hasSamples reports whether any sample falls in year y of loc. Lookup
// failures keep the year listed.
func (h *Handlers) hasSamples(ctx context.Context, y int, loc *time.Location) bool {
	start := time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	obs, err := h.Store.LatestObservation(ctx, start, start.AddDate(1, 0, 0).Add(-time.Second))
	if err != nil {
		h.Logger.Warn("failed to check year for samples", "year", y, "error", err)
		return true
	}
	return obs != nil
}

// Topics handles GET /api/v1/topics
func (h *Handlers) Topics(w http.ResponseWriter, r *http.Request) {
	type topicsResponse struct {
		Conditions string                  `json:"conditions"`
		Connected  bool                    `json:"connected"`
		Topics     []collector.TopicStatus `json:"topics"`
	}

	resp := topicsResponse{Conditions: "default", Topics: []collector.TopicStatus{}}
	if h.Collector != nil {
		resp.Topics = h.Collector.Status()
		resp.Connected = h.Collector.Connected()
		if h.Collector.AllFavorable() {
			resp.Conditions = "safe"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// topicReadings resolves the {topic} path value and loads its readings.
func (h *Handlers) topicReadings(w http.ResponseWriter, r *http.Request, limit int) (string, []store.Reading, bool) {
	name := r.PathValue("topic")
	if h.Collector == nil {
		writeError(w, http.StatusNotFound, "topic not found")
		return "", nil, false
	}
	if _, ok := h.Collector.TopicByName(name); !ok {
		writeError(w, http.StatusNotFound, "topic not found")
		return "", nil, false
	}

	start, end, err := parseOptionalRange(r, h.location())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", nil, false
	}

	readings, err := h.Store.GetReadings(r.Context(), name, start, end, limit)
	if err != nil {
		h.Logger.Error("failed to get readings", "topic", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get readings")
		return "", nil, false
	}
	return name, readings, true
}

// TopicHistory handles GET /api/v1/topics/{topic}/history
func (h *Handlers) TopicHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxHistoryLimit {
			limit = n
		}
	}

	name, readings, ok := h.topicReadings(w, r, limit)
	if !ok {
		return
	}

	type point struct {
		Timestamp time.Time `json:"timestamp"`
		Value     float64   `json:"value"`
	}
	type historyResponse struct {
		Topic    string  `json:"topic"`
		Limit    int     `json:"limit"`
		Readings []point `json:"readings"`
	}

	loc := h.location()
	resp := historyResponse{Topic: name, Limit: limit, Readings: make([]point, len(readings))}
	for i, rd := range readings {
		resp.Readings[i] = point{Timestamp: rd.Timestamp.In(loc), Value: rd.Value}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExportTopic handles GET /api/v1/topics/{topic}/export
func (h *Handlers) ExportTopic(w http.ResponseWriter, r *http.Request) {
	name, readings, ok := h.topicReadings(w, r, 0)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".csv"))
	w.WriteHeader(http.StatusOK)
	if err := export.WriteReadings(w, readings, h.location()); err != nil {
		h.Logger.Error("failed to write csv export", "topic", name, "error", err)
	}
}

// SkyImage handles GET /api/v1/sky-image
func (h *Handlers) SkyImage(w http.ResponseWriter, r *http.Request) {
	if h.Collector == nil {
		writeError(w, http.StatusNotFound, "no sky image available")
		return
	}
	img, at, ok := h.Collector.SkyImage()
	if !ok {
		writeError(w, http.StatusNotFound, "no sky image available")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

// validFontWeight normalizes v to a CSS weight between 100 and 900 in steps of 100.
func validFontWeight(v any) (string, bool) {
	var n int
	switch t := v.(type) {
	case string:
		i, err := strconv.Atoi(t)
		if err != nil {
			return "", false
		}
		n = i
	case float64:
		if t != float64(int(t)) {
			return "", false
		}
		n = int(t)
	default:
		return "", false
	}
	if n < 100 || n > 900 || n%100 != 0 {
		return "", false
	}
	return strconv.Itoa(n), true
}

type fontWeightBody struct {
	AccentFontWeight any `json:"accent_font_weight"`
}

// GetAccentFontWeight handles GET /api/v1/settings/accent-font-weight
func (h *Handlers) GetAccentFontWeight(w http.ResponseWriter, r *http.Request) {
	value, ok, err := h.Store.GetSetting(r.Context(), accentFontWeightSetting)
	if err != nil {
		h.Logger.Error("failed to get setting", "name", accentFontWeightSetting, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get setting")
		return
	}

	weight := defaultAccentFontWeight
	if ok {
		if v, valid := validFontWeight(value); valid {
			weight = v
		}
	}
	writeJSON(w, http.StatusOK, fontWeightBody{AccentFontWeight: weight})
}

// SetAccentFontWeight handles POST /api/v1/settings/accent-font-weight
func (h *Handlers) SetAccentFontWeight(w http.ResponseWriter, r *http.Request) {
	var body fontWeightBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	weight, ok := validFontWeight(body.AccentFontWeight)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "accent_font_weight must be 100-900 in steps of 100")
		return
	}

	if err := h.Store.SaveSetting(r.Context(), accentFontWeightSetting, weight); err != nil {
		h.Logger.Error("failed to save setting", "name", accentFontWeightSetting, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save setting")
		return
	}
	writeJSON(w, http.StatusOK, fontWeightBody{AccentFontWeight: weight})
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type mqttHealth struct {
		Connected bool `json:"connected"`
		Topics    int  `json:"topics"`
	}
	type dbHealth struct {
		Driver            string `json:"driver"`
		Status            string `json:"status"`
		SizeBytes         int64  `json:"size_bytes,omitempty"`
		TotalObservations int    `json:"total_observations"`
		DataRangeOldest   string `json:"data_range_oldest,omitempty"`
		DataRangeNewest   string `json:"data_range_newest,omitempty"`
	}
	type healthResponse struct {
		Status   string     `json:"status"`
		Version  string     `json:"version"`
		Uptime   string     `json:"uptime"`
		Timezone string     `json:"timezone"`
		MQTT     mqttHealth `json:"mqtt"`
		Database dbHealth   `json:"database"`
	}

	loc := h.location()
	resp := healthResponse{
		Status:   "healthy",
		Version:  h.Version,
		Uptime:   formatUptime(time.Since(h.StartTime)),
		Timezone: loc.String(),
	}

	if h.Collector != nil {
		resp.MQTT.Connected = h.Collector.Connected()
		resp.MQTT.Topics = len(h.Collector.Status())
	}

	// Database health (path omitted to avoid exposing filesystem details).
	resp.Database = dbHealth{
		Driver: h.StorageDriver,
		Status: "ok",
	}
	if h.StorageDriver == "sqlite" && h.StoragePath != "" {
		if info, err := os.Stat(h.StoragePath); err == nil {
			resp.Database.SizeBytes = info.Size()
		}
	}

	oldest, newest, err := h.Store.GetDataRange(r.Context())
	if err != nil {
		h.Logger.Warn("health check: data range query failed", "error", err)
		resp.Status = "degraded"
		resp.Database.Status = "error"
	} else if !oldest.IsZero() {
		resp.Database.DataRangeOldest = oldest.In(loc).Format(time.DateOnly)
		resp.Database.DataRangeNewest = newest.In(loc).Format(time.DateOnly)
		if count, err := h.Store.GetObservationCount(r.Context()); err == nil {
			resp.Database.TotalObservations = count
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
