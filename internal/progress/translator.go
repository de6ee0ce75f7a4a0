// Package progress turns raw runtime load reports into LoadingProgress values
// with a cache-phase flag and a remaining-time estimate.
package progress

import (
	"regexp"
	"strconv"

	"pocketd/pkg/types"
)

// MinShardsForEstimate is the number of cached shards that must be loaded
// before a remaining-time estimate is produced for the cache phase.
const MinShardsForEstimate = 2

var cachePattern = regexp.MustCompile(`Loading model from cache\[(\d+)/(\d+)\]`)

// Translator converts raw reports. The zero value is ready to use.
type Translator struct {
	// MinShards overrides MinShardsForEstimate when > 0.
	MinShards int
}

// Translate enriches a raw report. ok is false when the report is a cache
// phase report without usable shard counts; such reports are dropped.
func (t Translator) Translate(raw types.InitProgress) (out types.LoadingProgress, ok bool) {
	out = types.LoadingProgress{
		Progress:    raw.Progress,
		Text:        raw.Text,
		TimeElapsed: raw.TimeElapsed,
	}
	loaded, total, cache := shardCounts(raw)
	if cache {
		if loaded <= 0 || total <= 0 {
			return out, false
		}
		out.IsCacheLoading = true
		out.Progress = float64(loaded) / float64(total)
		minShards := t.MinShards
		if minShards <= 0 {
			minShards = MinShardsForEstimate
		}
		if loaded >= minShards {
			eta := raw.TimeElapsed / float64(loaded) * float64(total-loaded)
			out.EstimatedTimeRemaining = &eta
		}
		return out, true
	}
	if raw.Progress > 0 {
		eta := raw.TimeElapsed / raw.Progress * (1 - raw.Progress)
		out.EstimatedTimeRemaining = &eta
	}
	return out, true
}

// shardCounts prefers the structured phase and falls back to the text form.
func shardCounts(raw types.InitProgress) (loaded, total int, cache bool) {
	switch raw.Phase {
	case types.PhaseCache:
		return raw.Shard, raw.Shards, true
	case types.PhaseFetch, types.PhaseStart:
		return 0, 0, false
	}
	m := cachePattern.FindStringSubmatch(raw.Text)
	if m == nil {
		return 0, 0, false
	}
	loaded, _ = strconv.Atoi(m[1])
	total, _ = strconv.Atoi(m[2])
	return loaded, total, true
}

// Func adapts a LoadingProgress callback into a raw-report callback.
// A nil fn yields a nil func.
func (t Translator) Func(fn func(types.LoadingProgress)) func(types.InitProgress) {
	if fn == nil {
		return nil
	}
	return func(raw types.InitProgress) {
		if p, ok := t.Translate(raw); ok {
			fn(p)
		}
	}
}
