package dispatch

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// statsTTL is how long to keep stats for inactive objects before
	// eviction.
	statsTTL = 7 * 24 * time.Hour
	// evictionInterval is how often to run the eviction check.
	evictionInterval = time.Hour
)

// RateStats tracks exponential moving averages for message rates over
// several windows.
type RateStats struct {
	SecondRate float64
	MinuteRate float64
	HourRate   float64
	DayRate    float64
	lastUpdate time.Time
}

// update applies a new observation. count is the number of events
// since the last update; rates are events-per-second, smoothed over
// different time windows.
func (r *RateStats) update(count uint64) {
	now := time.Now()
	if r.lastUpdate.IsZero() {
		// First update: record the time so initial rates build up
		// instead of starting inflated.
		r.lastUpdate = now
		return
	}
	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed <= 0 {
		return
	}
	instantRate := float64(count) / elapsed
	// alpha = 1 - exp(-elapsed/window) handles variable intervals.
	alphaSecond := 1 - math.Exp(-elapsed/1.0)
	alphaMinute := 1 - math.Exp(-elapsed/60.0)
	alphaHour := 1 - math.Exp(-elapsed/3600.0)
	alphaDay := 1 - math.Exp(-elapsed/86400.0)

	r.SecondRate = alphaSecond*instantRate + (1-alphaSecond)*r.SecondRate
	r.MinuteRate = alphaMinute*instantRate + (1-alphaMinute)*r.MinuteRate
	r.HourRate = alphaHour*instantRate + (1-alphaHour)*r.HourRate
	r.DayRate = alphaDay*instantRate + (1-alphaDay)*r.DayRate

	r.lastUpdate = now
}

// ObjectStats tracks per-object message and failure counts. Messages
// counts all handled messages addressed to the object, Failures those
// that produced diagnostics.
type ObjectStats struct {
	Messages    uint64
	Failures    uint64
	LastMessage time.Time
	LastFailure time.Time

	messageRate  RateStats
	failureRate  RateStats
	prevMessages uint64
	prevFailures uint64
}

// Stats collects in-memory dispatch statistics with per-object
// granularity. Stale entries are evicted after statsTTL.
type Stats struct {
	mutex        sync.Mutex
	byObject     map[string]*ObjectStats
	total        ObjectStats
	lastEviction time.Time
}

func NewStats() *Stats {
	return &Stats{
		byObject:     map[string]*ObjectStats{},
		lastEviction: time.Now(),
	}
}

// Record notes one handled message for objectID.
func (s *Stats) Record(objectID string, ok bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	now := time.Now()
	obj := s.byObject[objectID]
	if obj == nil {
		obj = &ObjectStats{}
		s.byObject[objectID] = obj
	}
	for _, target := range []*ObjectStats{obj, &s.total} {
		target.Messages++
		target.LastMessage = now
		if !ok {
			target.Failures++
			target.LastFailure = now
		}
		target.messageRate.update(target.Messages - target.prevMessages)
		target.prevMessages = target.Messages
		if !ok {
			target.failureRate.update(target.Failures - target.prevFailures)
			target.prevFailures = target.Failures
		}
	}
	if now.Sub(s.lastEviction) > evictionInterval {
		s.evict(now)
		s.lastEviction = now
	}
}

func (s *Stats) evict(now time.Time) {
	for id, obj := range s.byObject {
		if now.Sub(obj.LastMessage) > statsTTL {
			delete(s.byObject, id)
		}
	}
}

// ObjectSnapshot is one row of a stats report.
type ObjectSnapshot struct {
	ObjectID    string
	Messages    uint64
	Failures    uint64
	MinuteRate  float64
	LastMessage time.Time
}

// Totals returns the aggregate counters.
func (s *Stats) Totals() (messages, failures uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.total.Messages, s.total.Failures
}

// TopObjects returns up to n objects ordered by message count.
func (s *Stats) TopObjects(n int) []ObjectSnapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	result := make([]ObjectSnapshot, 0, len(s.byObject))
	for id, obj := range s.byObject {
		result = append(result, ObjectSnapshot{
			ObjectID:    id,
			Messages:    obj.Messages,
			Failures:    obj.Failures,
			MinuteRate:  obj.messageRate.MinuteRate,
			LastMessage: obj.LastMessage,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Messages != result[j].Messages {
			return result[i].Messages > result[j].Messages
		}
		return result[i].ObjectID < result[j].ObjectID
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
