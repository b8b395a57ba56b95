package config

import (
	"fmt"
	"time"
)

// DraftTTL bounds how long an attempt's draft hash outlives its last write.
const DraftTTL = 24 * time.Hour

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptDraftKey returns the hash holding an attempt's draft answers
func (r *CacheKeyStruct) AttemptDraftKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:draft", attemptID)
}

// AttemptMetaKey returns the hash caching an attempt's owner and exam
func (r *CacheKeyStruct) AttemptMetaKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:meta", attemptID)
}

// AttemptQuestionOrderKey returns the cache key for an attempt's shuffled question order
func (r *CacheKeyStruct) AttemptQuestionOrderKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:question_order", attemptID)
}

// AttemptEventsChannel returns the Redis PubSub channel for one attempt
func (r *CacheKeyStruct) AttemptEventsChannel(attemptID string) string {
	return fmt.Sprintf("attempt:%s:events", attemptID)
}

// ExamPaperKey returns the cache key for an exam's student-facing paper
func (r *CacheKeyStruct) ExamPaperKey(examID string) string {
	return fmt.Sprintf("exam:%s:paper", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// ResponseRateKey returns the rate limit counter for a student's answer writes
// within one fixed window, identified by its index since the epoch.
func (r *CacheKeyStruct) ResponseRateKey(studentID int, window int64) string {
	return fmt.Sprintf("ratelimit:responses:%d:%d", studentID, window)
}

var CacheKey = NewCacheKeyStruct()
