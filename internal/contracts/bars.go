package contracts

import "time"

// Bar is one OHLCV aggregate.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// BarSeries is a chronologically ordered price/volume series, oldest first.
type BarSeries []Bar

// Len returns the number of bars.
func (s BarSeries) Len() int {
	return len(s)
}

// Empty reports whether the series holds no bars.
func (s BarSeries) Empty() bool {
	return len(s) == 0
}

// Last returns the most recent bar. Callers must check Empty first.
func (s BarSeries) Last() Bar {
	return s[len(s)-1]
}

// Closes returns the close prices, oldest first.
func (s BarSeries) Closes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Close
	}
	return out
}

// Tail returns the last n bars, or the whole series if it is shorter.
func (s BarSeries) Tail(n int) BarSeries {
	if n >= len(s) {
		return s
	}
	return s[len(s)-n:]
}
