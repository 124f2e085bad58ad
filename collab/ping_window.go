package collab

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type pingSample struct {
	sampleTime time.Time
	rtt        time.Duration
}

// PingWindow keeps the most recent ping round trips inside a rolling time
// window and exposes their mean. The reported latency is the windowed mean
// rather than the last sample, so a single outlier ping does not flip the
// derived connection quality.
type PingWindow struct {
	windowTimeout time.Duration

	stateLock       sync.Mutex
	window          []*pingSample
	windowTailIndex int
	windowHeadIndex int
	netRtt          time.Duration
	sampleCount     int
}

func NewPingWindow(windowSize int, windowTimeout time.Duration) *PingWindow {
	if windowSize == 0 {
		panic(fmt.Errorf("Window size must non-zero: %d", windowSize))
	}
	window := make([]*pingSample, windowSize)

	return &PingWindow{
		windowTimeout:   windowTimeout,
		window:          window,
		windowTailIndex: 0,
		windowHeadIndex: 0,
	}
}

// must be called inside the state lock
func (self *PingWindow) coalesce(windowTime time.Time) {
	windowStartTime := windowTime.Add(-self.windowTimeout)
	for 0 < self.sampleCount {
		sample := self.window[self.windowTailIndex]
		if !sample.sampleTime.Before(windowStartTime) {
			break
		}
		self.evict(self.windowTailIndex)
		self.windowTailIndex = (self.windowTailIndex + 1) % len(self.window)
	}
}

// must be called inside the state lock
func (self *PingWindow) evict(i int) {
	sample := self.window[i]
	self.netRtt -= sample.rtt
	self.sampleCount -= 1
	self.window[i] = nil
}

func (self *PingWindow) AddSample(rtt time.Duration) {
	self.addSample(rtt, time.Now())
}

func (self *PingWindow) addSample(rtt time.Duration, sampleTime time.Time) {
	if rtt < 0 {
		// ignore
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.coalesce(sampleTime)

	// a non-nil head slot means the window is full and the head is the
	// oldest sample
	if replaceSample := self.window[self.windowHeadIndex]; replaceSample != nil {
		self.evict(self.windowHeadIndex)
		self.windowTailIndex = (self.windowTailIndex + 1) % len(self.window)
	}
	self.window[self.windowHeadIndex] = &pingSample{
		sampleTime: sampleTime,
		rtt:        rtt,
	}
	self.netRtt += rtt
	self.sampleCount += 1
	self.windowHeadIndex = (self.windowHeadIndex + 1) % len(self.window)
}

func (self *PingWindow) MeanRtt() time.Duration {
	return self.meanRtt(time.Now())
}

func (self *PingWindow) meanRtt(windowTime time.Time) time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.coalesce(windowTime)

	if self.sampleCount == 0 {
		return time.Duration(0)
	}
	meanRtt := self.netRtt / time.Duration(self.sampleCount)
	glog.V(2).Infof("[ping]mean=%dms n=%d\n", meanRtt/time.Millisecond, self.sampleCount)
	return meanRtt
}
