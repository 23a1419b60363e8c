package services

import (
	"time"

	"confroom/internal/core/domain"
)

type nopMetrics struct{}

func (nopMetrics) SessionState(domain.SessionState)    {}
func (nopMetrics) ReconnectAttempt(string)             {}
func (nopMetrics) StreamFailed(bool)                   {}
func (nopMetrics) PublishDuration(time.Duration, bool) {}
func (nopMetrics) Streams(int, int, int)               {}
