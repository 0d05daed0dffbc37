package runner

import (
	"strconv"

	"github.com/joeycumines/swarmworker/internal/stats"
)

// snapshotPayload converts a stats.Snapshot into the frame payload shape of
// spec §6's stats frame.
func snapshotPayload(s stats.Snapshot) map[string]any {
	entries := make([]any, 0, len(s.Stats))
	for _, e := range s.Stats {
		entries = append(entries, entryPayload(e))
	}

	errs := make([]any, 0, len(s.Errors))
	for _, e := range s.Errors {
		errs = append(errs, map[string]any{
			"count":  e.Count,
			"method": e.Method,
			"name":   e.Name,
			"error":  e.Error,
		})
	}

	return map[string]any{
		"stats":       entries,
		"stats_total": entryPayload(s.StatsTotal),
		"errors":      errs,
		"user_count":  s.UserCount,
	}
}

func entryPayload(e stats.Entry) map[string]any {
	responseTimes := make(map[string]int64, len(e.ResponseTimes))
	for bucket, count := range e.ResponseTimes {
		responseTimes[strconv.FormatInt(bucket, 10)] = count
	}
	reqsPerSec := make(map[string]int64, len(e.NumReqsPerSec))
	for sec, count := range e.NumReqsPerSec {
		reqsPerSec[strconv.FormatInt(sec, 10)] = count
	}

	return map[string]any{
		"name":                  e.Name,
		"method":                e.Method,
		"num_requests":          e.NumRequests,
		"num_failures":          e.NumFailures,
		"total_response_time":   e.TotalResponseTime,
		"max_response_time":     e.MaxResponseTime,
		"min_response_time":     e.MinResponseTime,
		"total_content_length":  e.TotalContentLength,
		"response_times":        responseTimes,
		"num_reqs_per_sec":      reqsPerSec,
		"interval_num_requests": e.IntervalNumRequests,
		"interval_num_failures": e.IntervalNumFailures,
	}
}
