package models

import "strings"

// StateFlags describes the quality and provenance of a measurement value.
type StateFlags uint32

const (
	Normal             StateFlags = 0
	BadData            StateFlags = 1 << 0
	SuspectData        StateFlags = 1 << 1
	OverRangeError     StateFlags = 1 << 2
	UnderRangeError    StateFlags = 1 << 3
	AlarmHigh          StateFlags = 1 << 4
	AlarmLow           StateFlags = 1 << 5
	WarningHigh        StateFlags = 1 << 6
	WarningLow         StateFlags = 1 << 7
	FlatlineAlarm      StateFlags = 1 << 8
	ComparisonAlarm    StateFlags = 1 << 9
	ROCAlarm           StateFlags = 1 << 10
	ReceivedAsBad      StateFlags = 1 << 11
	CalculatedValue    StateFlags = 1 << 12
	CalculationError   StateFlags = 1 << 13
	CalculationWarning StateFlags = 1 << 14
	BadTime            StateFlags = 1 << 16
	SuspectTime        StateFlags = 1 << 17
	LateTimeAlarm      StateFlags = 1 << 18
	FutureTimeAlarm    StateFlags = 1 << 19
	UpSampled          StateFlags = 1 << 20
	DownSampled        StateFlags = 1 << 21
	DiscardedValue     StateFlags = 1 << 22
	SystemError        StateFlags = 1 << 29
	SystemWarning      StateFlags = 1 << 30
	MeasurementError   StateFlags = 1 << 31
)

// ErrorMask covers the flags that mark a value as unusable.
const ErrorMask = BadData | OverRangeError | UnderRangeError | ReceivedAsBad |
	CalculationError | BadTime | SystemError | MeasurementError

var flagNames = []struct {
	flag StateFlags
	name string
}{
	{BadData, "BadData"},
	{SuspectData, "SuspectData"},
	{OverRangeError, "OverRangeError"},
	{UnderRangeError, "UnderRangeError"},
	{AlarmHigh, "AlarmHigh"},
	{AlarmLow, "AlarmLow"},
	{WarningHigh, "WarningHigh"},
	{WarningLow, "WarningLow"},
	{FlatlineAlarm, "FlatlineAlarm"},
	{ComparisonAlarm, "ComparisonAlarm"},
	{ROCAlarm, "ROCAlarm"},
	{ReceivedAsBad, "ReceivedAsBad"},
	{CalculatedValue, "CalculatedValue"},
	{CalculationError, "CalculationError"},
	{CalculationWarning, "CalculationWarning"},
	{BadTime, "BadTime"},
	{SuspectTime, "SuspectTime"},
	{LateTimeAlarm, "LateTimeAlarm"},
	{FutureTimeAlarm, "FutureTimeAlarm"},
	{UpSampled, "UpSampled"},
	{DownSampled, "DownSampled"},
	{DiscardedValue, "DiscardedValue"},
	{SystemError, "SystemError"},
	{SystemWarning, "SystemWarning"},
	{MeasurementError, "MeasurementError"},
}

// Has reports whether all bits of flag are set.
func (f StateFlags) Has(flag StateFlags) bool {
	return f&flag == flag
}

// HasError reports whether any error flag is set.
func (f StateFlags) HasError() bool {
	return f&ErrorMask != 0
}

func (f StateFlags) String() string {
	if f == Normal {
		return "Normal"
	}
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}
