// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks detailed broker statistics.
type Stats struct {
	startTime time.Time

	// Message stats
	published    atomic.Uint64
	delivered    atomic.Uint64
	acknowledged atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	expired      atomic.Uint64

	// Subscription stats
	subscriptions   atomic.Uint64
	unsubscriptions atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Message tracking.
func (s *Stats) IncrementPublished() {
	s.published.Add(1)
}

func (s *Stats) IncrementDelivered() {
	s.delivered.Add(1)
}

func (s *Stats) IncrementAcknowledged() {
	s.acknowledged.Add(1)
}

func (s *Stats) IncrementFailed() {
	s.failed.Add(1)
}

func (s *Stats) IncrementRetried() {
	s.retried.Add(1)
}

func (s *Stats) IncrementDeadLettered() {
	s.deadLettered.Add(1)
}

func (s *Stats) IncrementExpired() {
	s.expired.Add(1)
}

func (s *Stats) GetPublished() uint64 {
	return s.published.Load()
}

func (s *Stats) GetDelivered() uint64 {
	return s.delivered.Load()
}

func (s *Stats) GetAcknowledged() uint64 {
	return s.acknowledged.Load()
}

func (s *Stats) GetFailed() uint64 {
	return s.failed.Load()
}

func (s *Stats) GetRetried() uint64 {
	return s.retried.Load()
}

func (s *Stats) GetDeadLettered() uint64 {
	return s.deadLettered.Load()
}

func (s *Stats) GetExpired() uint64 {
	return s.expired.Load()
}

// Subscription tracking.
func (s *Stats) IncrementSubscriptions() {
	s.subscriptions.Add(1)
}

func (s *Stats) DecrementSubscriptions() {
	s.subscriptions.Add(^uint64(0))
	s.unsubscriptions.Add(1)
}

func (s *Stats) GetSubscriptions() uint64 {
	return s.subscriptions.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
