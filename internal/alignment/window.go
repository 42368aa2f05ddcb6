package alignment

import (
	"fmt"

	"github.com/basekick-labs/eca/pkg/models"
	"github.com/shopspring/decimal"
)

// RangeError reports an invalid sample-window argument.
type RangeError struct {
	Param  string
	Value  string
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid %s %s: %s", e.Param, e.Value, e.Reason)
}

// SampleWindow is a set of ideal timestamps relative to a frame time.
// All offsets are microseconds.
type SampleWindow struct {
	// FrameOffset is the distance from the frame time back to the window start.
	FrameOffset int64
	// StartOffset is the span of the window. Zero for point windows.
	StartOffset int64
	// WindowSize is the number of samples in the window.
	WindowSize int
	// Interval is the nominal spacing between samples.
	Interval int64
}

// IsPoint reports whether the window selects a single instant.
func (w SampleWindow) IsPoint() bool {
	return w.StartOffset == 0
}

// Start returns the first timestamp of the window for a frame time.
func (w SampleWindow) Start(frameTime int64) int64 {
	return frameTime - w.FrameOffset
}

// GetTimestamps returns WindowSize timestamps evenly spaced across
// [frameTime-FrameOffset, frameTime-FrameOffset+StartOffset).
func (w SampleWindow) GetTimestamps(frameTime int64) []int64 {
	start := w.Start(frameTime)
	if w.WindowSize <= 1 || w.StartOffset == 0 {
		return []int64{start}
	}
	n := int64(w.WindowSize)
	out := make([]int64, w.WindowSize)
	for i := int64(0); i < n; i++ {
		out[i] = start + (2*i*w.StartOffset+n)/(2*n)
	}
	return out
}

func toTicks(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

func checkNonNegative(param string, d decimal.Decimal) error {
	if d.IsNegative() {
		return &RangeError{Param: param, Value: d.String(), Reason: "must not be negative"}
	}
	return nil
}

func checkRate(rate decimal.Decimal, unit models.Unit) error {
	if !rate.IsPositive() {
		return &RangeError{Param: "sample rate", Value: rate.String(), Reason: "must be positive"}
	}
	if unit <= 0 {
		return &RangeError{Param: "sample unit", Value: unit.String(), Reason: "must be a positive time unit"}
	}
	return nil
}

// span converts "n unit" to microseconds, going through the sample rate
// when unit counts points.
func span(n decimal.Decimal, unit models.Unit, rate decimal.Decimal, rateUnit models.Unit) (decimal.Decimal, error) {
	if n.IsZero() {
		return decimal.Zero, nil
	}
	if !unit.IsPoints() {
		return n.Mul(decimal.NewFromInt(int64(unit))), nil
	}
	if err := checkRate(rate, rateUnit); err != nil {
		return decimal.Zero, err
	}
	return n.Mul(decimal.NewFromInt(int64(rateUnit))).Div(rate), nil
}

func interval(rate decimal.Decimal, rateUnit models.Unit) int64 {
	if !rate.IsPositive() || rateUnit <= 0 {
		return 0
	}
	return toTicks(decimal.NewFromInt(int64(rateUnit)).Div(rate))
}

// NewSampleWindow creates a point window relativeTime before the frame.
// Points are converted to time through the sample rate, which must then be
// positive.
func NewSampleWindow(relativeTime decimal.Decimal, relativeUnit models.Unit, sampleRate decimal.Decimal, sampleUnit models.Unit) (SampleWindow, error) {
	if err := checkNonNegative("relative time", relativeTime); err != nil {
		return SampleWindow{}, err
	}
	if err := checkNonNegative("sample rate", sampleRate); err != nil {
		return SampleWindow{}, err
	}

	offset, err := span(relativeTime, relativeUnit, sampleRate, sampleUnit)
	if err != nil {
		return SampleWindow{}, err
	}
	return SampleWindow{
		FrameOffset: toTicks(offset),
		WindowSize:  1,
		Interval:    interval(sampleRate, sampleUnit),
	}, nil
}

// NewRangedSampleWindow creates a window of windowSize (in windowUnit)
// starting relativeTime before the frame, sampled at sampleRate per
// sampleUnit. The sample rate must be positive.
func NewRangedSampleWindow(relativeTime decimal.Decimal, relativeUnit models.Unit, sampleRate decimal.Decimal, sampleUnit models.Unit, windowSize decimal.Decimal, windowUnit models.Unit) (SampleWindow, error) {
	if err := checkNonNegative("window size", windowSize); err != nil {
		return SampleWindow{}, err
	}
	w, err := NewSampleWindow(relativeTime, relativeUnit, sampleRate, sampleUnit)
	if err != nil {
		return SampleWindow{}, err
	}
	if windowSize.IsZero() {
		return w, nil
	}
	if err := checkRate(sampleRate, sampleUnit); err != nil {
		return SampleWindow{}, err
	}

	length, err := span(windowSize, windowUnit, sampleRate, sampleUnit)
	if err != nil {
		return SampleWindow{}, err
	}

	var count int64
	if windowUnit.IsPoints() {
		count = toTicks(windowSize)
	} else {
		count = toTicks(length.Mul(sampleRate).Div(decimal.NewFromInt(int64(sampleUnit))))
	}
	if count < 1 {
		count = 1
	}

	w.StartOffset = toTicks(length)
	w.WindowSize = int(count)
	return w, nil
}
