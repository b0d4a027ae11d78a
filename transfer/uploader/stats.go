package uploader

import (
	"sync"
	"time"
)

// Stats tracks chunk upload metrics for progress logs and reporting.
type Stats struct {
	mu       sync.Mutex
	sum      time.Duration
	finished int64
	bytes    int64
}

// NewStats creates an empty Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Record notes one successfully uploaded chunk.
func (s *Stats) Record(took time.Duration, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += took
	s.finished++
	s.bytes += size
}

// FinishedCount returns the number of completed chunk uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Average returns the average upload duration for completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// UploadedBytes returns the total payload bytes uploaded so far.
func (s *Stats) UploadedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
