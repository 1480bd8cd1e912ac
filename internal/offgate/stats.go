package offgate

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	pushesShown    atomic.Uint64
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

func (s *statsCollector) ObserveHit(respBytes int) {
	s.cacheHits.Add(1)
	s.observe(respBytes)
}

func (s *statsCollector) ObserveMiss(respBytes int) {
	s.cacheMisses.Add(1)
	s.observe(respBytes)
}

func (s *statsCollector) ObservePush() {
	s.pushesShown.Add(1)
}

func (s *statsCollector) observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	CacheHits      uint64
	CacheMisses    uint64
	PushesShown    uint64
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	maxv := s.maxRespBytes.Load()
	out := statsSnapshot{
		CacheHits:   s.cacheHits.Load(),
		CacheMisses: s.cacheMisses.Load(),
		PushesShown: s.pushesShown.Load(),
	}
	if count == 0 {
		return out
	}
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = total
	out.MinRespBytes = minv
	out.MaxRespBytes = maxv
	out.AvgRespBytes = total / count
	return out
}
