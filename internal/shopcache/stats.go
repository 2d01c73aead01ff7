package shopcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector is shared by every worker instance in the process.
type statsCollector struct {
	hits             atomic.Uint64
	misses           atomic.Uint64
	passes           atomic.Uint64
	offline          atomic.Uint64
	writeFailures    atomic.Uint64
	evicted          atomic.Uint64
	evictionFailures atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// ObserveResponse records the size of a response served from the worker.
func (s *statsCollector) ObserveResponse(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	Passes           uint64 `json:"passes"`
	Offline          uint64 `json:"offline"`
	WriteFailures    uint64 `json:"writeFailures"`
	Evicted          uint64 `json:"evicted"`
	EvictionFailures uint64 `json:"evictionFailures"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:             s.hits.Load(),
		Misses:           s.misses.Load(),
		Passes:           s.passes.Load(),
		Offline:          s.offline.Load(),
		WriteFailures:    s.writeFailures.Load(),
		Evicted:          s.evicted.Load(),
		EvictionFailures: s.evictionFailures.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	total := s.totalRespBytes.Load()
	out.TotalResponses = count
	out.TotalRespBytes = total
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = total / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
