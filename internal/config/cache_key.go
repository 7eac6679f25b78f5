package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptAnswersKey returns the hash holding an attempt's latest answers
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// ExamPayloadKey returns the cache key for an exam's cached definition
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// ExamControlChannel returns the Redis PubSub channel examiners broadcast control on
func (r *CacheKeyStruct) ExamControlChannel(examID string) string {
	return fmt.Sprintf("exam:%s:control", examID)
}

// ExamControlPattern matches every exam's control channel
func (r *CacheKeyStruct) ExamControlPattern() string {
	return "exam:*:control"
}

var CacheKey = NewCacheKeyStruct()
