package memory

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// timeWindow is an inferred [From, To) interval for the time-range layer.
type timeWindow struct {
	From time.Time
	To   time.Time
}

var (
	daysAgoEN = regexp.MustCompile(`(\d+)\s*days?\s*ago`)
	daysAgoZH = regexp.MustCompile(`(\d+)\s*天前`)
)

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// resolveTimeCue maps relative temporal expressions in the query to a
// concrete created-at window. Returns ok=false when the query carries no
// recognizable cue, which disables the time-range layer for that call.
func resolveTimeCue(query string, now time.Time) (timeWindow, bool) {
	q := strings.ToLower(query)
	day := 24 * time.Hour
	today := startOfDay(now)

	switch {
	case strings.Contains(q, "今天") || strings.Contains(q, "today"):
		return timeWindow{today, today.Add(day)}, true
	case strings.Contains(q, "昨天") || strings.Contains(q, "yesterday"):
		return timeWindow{today.Add(-day), today}, true
	case strings.Contains(q, "前天"):
		return timeWindow{today.Add(-2 * day), today.Add(-day)}, true
	case strings.Contains(q, "上周") || strings.Contains(q, "上个星期") || strings.Contains(q, "last week"):
		weekStart := today.Add(-day * time.Duration((int(today.Weekday())+6)%7))
		return timeWindow{weekStart.Add(-7 * day), weekStart}, true
	case strings.Contains(q, "本周") || strings.Contains(q, "这周") || strings.Contains(q, "this week"):
		weekStart := today.Add(-day * time.Duration((int(today.Weekday())+6)%7))
		return timeWindow{weekStart, today.Add(day)}, true
	case strings.Contains(q, "上个月") || strings.Contains(q, "last month"):
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return timeWindow{monthStart.AddDate(0, -1, 0), monthStart}, true
	case strings.Contains(q, "本月") || strings.Contains(q, "这个月") || strings.Contains(q, "this month"):
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return timeWindow{monthStart, today.Add(day)}, true
	case strings.Contains(q, "最近") || strings.Contains(q, "recently") || strings.Contains(q, "recent"):
		return timeWindow{today.Add(-7 * day), today.Add(day)}, true
	}

	for _, re := range []*regexp.Regexp{daysAgoZH, daysAgoEN} {
		if m := re.FindStringSubmatch(q); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil && n > 0 && n < 3650 {
				from := today.Add(-time.Duration(n) * day)
				return timeWindow{from, from.Add(day)}, true
			}
		}
	}
	return timeWindow{}, false
}
