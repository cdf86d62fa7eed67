// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mbm

import (
	"fmt"
	"time"
)

const (
	// CounterMax is the ceiling at which hardware bandwidth counters wrap.
	CounterMax uint64 = 0xFFFFFF
	// MinInterval is the minimum interval between two processed samples.
	MinInterval = 100 * time.Millisecond
	// MinWindowSize is the smallest supported sliding window size.
	MinWindowSize = 10
	// MaxWindowSize is the largest supported sliding window size.
	MaxWindowSize = 300
	// DefaultWindowSize is the default sliding window size.
	DefaultWindowSize = MinWindowSize
)

var (
	ErrInvalidWindowSize = fmt.Errorf("mbm: invalid sliding window size")
	ErrInvalidSocket     = fmt.Errorf("mbm: invalid socket")
	ErrInvalidID         = fmt.Errorf("mbm: invalid MID")
)

// ValidateWindowSize checks that a sliding window size is within bounds.
func ValidateWindowSize(n int) error {
	if n < MinWindowSize || n > MaxWindowSize {
		return fmt.Errorf("%w: %d (valid range %d-%d)", ErrInvalidWindowSize, n,
			MinWindowSize, MaxWindowSize)
	}
	return nil
}

// Sample is the bandwidth estimation state for one MID, socket and
// direction. The zero value is a reset sample.
type Sample struct {
	// Bytes is the last raw counter value.
	Bytes uint64
	// Average is the current running average rate in bytes per second.
	Average uint64
	// PrevTime is the time of the last processed sample.
	PrevTime time.Time
	// Index is the number of processed samples.
	Index uint64

	primed bool
	window []uint64
	in     int
	sum    uint64
}

// Delta returns the number of bytes between two successive raw counter
// values, correcting for a single wrap at CounterMax. The second return
// value is true if the counter wrapped.
func Delta(prev, cur uint64) (uint64, bool) {
	if cur < prev {
		return cur + (CounterMax - prev), true
	}
	return cur - prev, false
}

// Reset clears the sample.
func (s *Sample) Reset() {
	window := s.window
	*s = Sample{}
	if window != nil {
		clear(window)
		s.window = window
	}
}

// Update processes a raw counter value read at the given time with a
// sliding window of size n, and returns the updated average rate. A
// sample taken too soon after the previous one is ignored and the
// current average returned unchanged.
func (s *Sample) Update(bytes uint64, now time.Time, n int) uint64 {
	if !s.primed {
		s.Bytes = bytes
		s.PrevTime = now
		s.primed = true
		return s.Average
	}

	dt := now.Sub(s.PrevTime)
	if dt < MinInterval {
		return s.Average
	}

	delta, overflow := Delta(s.Bytes, bytes)
	rate := delta * uint64(time.Second/time.Millisecond) / uint64(dt.Milliseconds())

	if len(s.window) != n {
		s.restart(n)
	}

	// Slots of a window not yet filled are zero.
	s.sum = s.sum - s.window[s.in] + rate
	s.window[s.in] = rate
	s.in = (s.in + 1) % n

	switch {
	case s.Index == 0 || overflow:
		s.Average = rate
	case s.Index < uint64(n):
		s.Average = incrementalMean(s.Average, rate, s.Index+1)
	default:
		s.Average = s.sum / uint64(n)
	}

	s.Index++
	s.Bytes = bytes
	s.PrevTime = now

	return s.Average
}

// restart starts a new window of the given size, keeping the counter
// baseline and the current average.
func (s *Sample) restart(n int) {
	s.window = make([]uint64, n)
	s.in = 0
	s.sum = 0
	s.Index = 0
}

// incrementalMean updates a running mean of count-1 values with a new one.
func incrementalMean(mean, value, count uint64) uint64 {
	if value >= mean {
		return mean + (value-mean)/count
	}
	return mean - (mean-value)/count
}
