package baseline

import (
	"sync"
	"time"

	"riskguard/internal/codec"
	"riskguard/internal/stats"
)

const dayLayout = "2006-01-02"

// SessionCadence keeps a running average of sessions per day. Only
// completed days are folded into the average.
type SessionCadence struct {
	mu         sync.Mutex
	daily      stats.Welford
	currentDay string
	current    int
	minDays    int
	saturation int
}

type cadenceState struct {
	Daily      stats.Welford `json:"daily"`
	CurrentDay string        `json:"current_day"`
	Current    int           `json:"current"`
}

func NewSessionCadence(minDays, saturation int) *SessionCadence {
	return &SessionCadence{minDays: minDays, saturation: saturation}
}

// Learn folds one day's session count into the running average.
func (c *SessionCadence) Learn(sessions float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.daily.Add(sessions)
}

// Observe records a session start at ts (already in local time). When the
// local day changes, the finished day's count is learned.
func (c *SessionCadence) Observe(ts time.Time) {
	day := ts.Format(dayLayout)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.currentDay == "":
		c.currentDay = day
	case day > c.currentDay:
		c.daily.Add(float64(c.current))
		c.currentDay = day
		c.current = 0
	case day < c.currentDay:
		// late arrival for a day already folded
		return
	}
	c.current++
}

// Average is 0 until at least one day has been learned.
func (c *SessionCadence) Average() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.daily.Mean
}

func (c *SessionCadence) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.daily.N
}

func (c *SessionCadence) Confidence() float64 {
	return stats.Confidence(c.SampleCount(), c.minDays, c.saturation)
}

func (c *SessionCadence) variance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.daily.Variance()
}

func (c *SessionCadence) marshal() ([]byte, error) {
	c.mu.Lock()
	st := cadenceState{Daily: c.daily, CurrentDay: c.currentDay, Current: c.current}
	c.mu.Unlock()
	return codec.Encode(codec.KindCadence, st)
}

func (c *SessionCadence) restore(b []byte) error {
	var st cadenceState
	if err := codec.Decode(codec.KindCadence, b, &st); err != nil {
		return err
	}
	if st.Daily.N < 0 {
		st.Daily = stats.Welford{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.daily = st.Daily
	c.currentDay = st.CurrentDay
	c.current = st.Current
	return nil
}

// SessionDuration learns session lengths in seconds and flags outliers by
// z-score.
type SessionDuration struct {
	mu         sync.Mutex
	acc        stats.Welford
	minSamples int
	saturation int
	threshold  float64
}

func NewSessionDuration(minSamples, saturation int, zThreshold float64) *SessionDuration {
	return &SessionDuration{minSamples: minSamples, saturation: saturation, threshold: zThreshold}
}

func (d *SessionDuration) Learn(seconds float64) {
	if seconds < 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acc.Add(seconds)
}

func (d *SessionDuration) Mean() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acc.Mean
}

func (d *SessionDuration) StdDev() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acc.StdDev()
}

func (d *SessionDuration) SampleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acc.N
}

func (d *SessionDuration) Confidence() float64 {
	return stats.Confidence(d.SampleCount(), d.minSamples, d.saturation)
}

// Evaluate needs non-zero confidence and a non-flat distribution.
func (d *SessionDuration) Evaluate(seconds float64) Outcome {
	d.mu.Lock()
	acc := d.acc
	d.mu.Unlock()
	if stats.Confidence(acc.N, d.minSamples, d.saturation) == 0 {
		return OutcomeInsufficient
	}
	sd := acc.StdDev()
	if sd == 0 {
		return OutcomeInsufficient
	}
	if stats.IsAnomaly(seconds, acc.Mean, sd, d.threshold) {
		return OutcomeAnomaly
	}
	return OutcomeNormal
}

func (d *SessionDuration) variance() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acc.Variance()
}

func (d *SessionDuration) marshal() ([]byte, error) {
	d.mu.Lock()
	st := d.acc
	d.mu.Unlock()
	return codec.Encode(codec.KindDuration, st)
}

func (d *SessionDuration) restore(b []byte) error {
	var st stats.Welford
	if err := codec.Decode(codec.KindDuration, b, &st); err != nil {
		return err
	}
	if st.N < 0 {
		st = stats.Welford{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acc = st
	return nil
}
