package matomo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Period is a Matomo reporting period.
type Period string

// Reporting periods used by the bridge. Each is queried with date=today,
// so "week" and "month" mean the current week and month to date.
const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Periods lists the periods polled every cycle, in request order.
var Periods = []Period{PeriodDay, PeriodWeek, PeriodMonth}

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

// Metrics holds the numeric fields of one Matomo report row. Values are
// always non-negative; fields that are not integers are dropped.
type Metrics map[string]int64

// Merge copies every field of other into m, overwriting duplicates.
func (m Metrics) Merge(other Metrics) {
	for k, v := range other {
		m[k] = v
	}
}

// Add sums every field of other into m, saturating at math.MaxInt64.
func (m Metrics) Add(other Metrics) {
	for k, v := range other {
		if m[k] > math.MaxInt64-v {
			m[k] = math.MaxInt64
			continue
		}
		m[k] += v
	}
}

// Site is a tracked website as returned by SitesManager.
type Site struct {
	ID      int    `json:"idsite"`
	Name    string `json:"name"`
	MainURL string `json:"main_url"`
}

// UnmarshalJSON accepts idsite as either a number or a numeric string;
// Matomo versions disagree.
func (s *Site) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      json.RawMessage `json:"idsite"`
		Name    string          `json:"name"`
		MainURL string          `json:"main_url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, ok := parseCount(raw.ID)
	if !ok || id < 1 {
		return fmt.Errorf("invalid idsite %s", raw.ID)
	}
	s.ID = int(id)
	s.Name = raw.Name
	s.MainURL = raw.MainURL
	return nil
}

// parseMetrics decodes a single report row. Matomo answers "no data"
// with an empty JSON array, which yields an empty map.
func parseMetrics(body []byte) (Metrics, error) {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var rows []json.RawMessage
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return Metrics{}, nil
		}
		trimmed = rows[0]
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	return metricsFromFields(fields), nil
}

// parseSiteTable decodes an idSite=all response, which is an object keyed
// by site ID with one report row per site, and sums the rows.
func parseSiteTable(body []byte) (Metrics, error) {
	trimmed := bytes.TrimSpace(body)
	if bytes.Equal(trimmed, []byte("[]")) {
		return Metrics{}, nil
	}

	var sites map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &sites); err != nil {
		return nil, err
	}

	total := Metrics{}
	for _, raw := range sites {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			// Sites without data report an empty array.
			continue
		}
		total.Add(metricsFromFields(fields))
	}
	return total, nil
}

func metricsFromFields(fields map[string]json.RawMessage) Metrics {
	m := make(Metrics, len(fields))
	for k, raw := range fields {
		if v, ok := parseCount(raw); ok {
			m[k] = v
		}
	}
	return m
}

// parseCount accepts JSON numbers and numeric strings. Fractions are
// truncated. Negative, non-finite, and non-numeric values are rejected.
func parseCount(raw json.RawMessage) (int64, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, false
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(str)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, n >= 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}
