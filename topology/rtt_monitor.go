// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

const (
	rttAlphaValue = 0.2
	minSamples    = 10
	maxSamples    = 500
)

type rttConfig struct {
	// The interval between samples, i.e. the heartbeat interval.
	interval time.Duration

	// The window over which the minimum and percentile RTTs are calculated.
	minRTTWindow time.Duration
}

// rttMonitor tracks round-trip-time samples taken by a server's heartbeat
// loop. The EWMA average keeps a single slow heartbeat from thrashing server
// selection; the min and 90th percentile are computed over a bounded window
// of recent samples.
type rttMonitor struct {
	mu            sync.RWMutex // mu guards samples, offset, minRTT, rtt90, averageRTT, and averageRTTSet
	samples       []time.Duration
	offset        int
	minRTT        time.Duration
	rtt90         time.Duration
	averageRTT    time.Duration
	averageRTTSet bool

	cfg *rttConfig
}

func newRTTMonitor(cfg *rttConfig) *rttMonitor {
	if cfg.interval <= 0 {
		panic("RTT monitor interval must be greater than 0")
	}

	// Determine the number of samples we need to keep to store the minWindow of RTT durations.
	// The number of samples must be between [10, 500].
	numSamples := int(math.Max(minSamples, math.Min(maxSamples, float64(cfg.minRTTWindow/cfg.interval))))

	return &rttMonitor{
		samples: make([]time.Duration, numSamples),
		cfg:     cfg,
	}
}

// addSample records one RTT measurement. It requires at least 10 samples
// before setting the min and percentile values to prevent noisy samples on
// startup from artificially skewing them.
func (r *rttMonitor) addSample(rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.offset] = rtt
	r.offset = (r.offset + 1) % len(r.samples)
	r.minRTT = minDuration(r.samples, minSamples)
	r.rtt90 = percentile(90.0, r.samples, minSamples)

	if !r.averageRTTSet {
		r.averageRTT = rtt
		r.averageRTTSet = true
		return
	}

	r.averageRTT = time.Duration(rttAlphaValue*float64(rtt) + (1-rttAlphaValue)*float64(r.averageRTT))
}

// reset sets the average and min RTT to 0. This should only be called from the
// server monitor when an error occurs during a server check.
func (r *rttMonitor) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.samples {
		r.samples[i] = 0
	}
	r.offset = 0
	r.minRTT = 0
	r.rtt90 = 0
	r.averageRTT = 0
	r.averageRTTSet = false
}

// minDuration returns the minimum value of the slice of duration samples. Zero
// values are not considered samples and are ignored. If fewer than minSamples
// samples are found in the slice, minDuration returns 0.
func minDuration(samples []time.Duration, minSamples int) time.Duration {
	count := 0
	min := time.Duration(math.MaxInt64)
	for _, d := range samples {
		if d > 0 {
			count++
		}
		if d > 0 && d < min {
			min = d
		}
	}
	if count < minSamples {
		return 0
	}
	return min
}

// percentile returns the specified percentile value of the slice of duration
// samples. Zero values are not considered samples and are ignored. If fewer
// than minSamples samples are found in the slice, percentile returns 0.
func percentile(perc float64, samples []time.Duration, minSamples int) time.Duration {
	floatSamples := make([]float64, 0, len(samples))
	for _, sample := range samples {
		if sample > 0 {
			floatSamples = append(floatSamples, float64(sample))
		}
	}
	if len(floatSamples) < minSamples {
		return 0
	}

	p, err := stats.Percentile(floatSamples, perc)
	if err != nil {
		panic(fmt.Errorf("error calculating %f percentile RTT: %v for samples:\n%v", perc, err, floatSamples))
	}
	return time.Duration(p)
}

// EWMA returns the exponentially weighted moving average observed round-trip time.
func (r *rttMonitor) EWMA() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.averageRTT
}

// Min returns the minimum observed round-trip time over the window period.
func (r *rttMonitor) Min() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.minRTT
}

// P90 returns the 90th percentile observed round-trip time over the window period.
func (r *rttMonitor) P90() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.rtt90
}
