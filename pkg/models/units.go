package models

import (
	"fmt"
	"strings"
	"time"
)

// Unit is a time unit in microseconds as used by relative-time, window and
// sample-rate clauses. UnitPoints counts samples instead of elapsed time and
// is converted to a duration through a sample rate.
type Unit int64

const (
	UnitPoints  Unit = 0
	Microsecond Unit = 1
	Millisecond Unit = 1000 * Microsecond
	Second      Unit = 1000 * Millisecond
	Minute      Unit = 60 * Second
	Hour        Unit = 60 * Minute
	Day         Unit = 24 * Hour
)

var unitNames = []struct {
	unit Unit
	name string
}{
	{UnitPoints, "point"},
	{Microsecond, "microsecond"},
	{Millisecond, "millisecond"},
	{Second, "second"},
	{Minute, "minute"},
	{Hour, "hour"},
	{Day, "day"},
}

// ParseUnit parses a unit name, singular or plural, case-insensitive.
func ParseUnit(name string) (Unit, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimSuffix(n, "s")
	for _, u := range unitNames {
		if u.name == n {
			return u.unit, nil
		}
	}
	return 0, fmt.Errorf("unknown time unit %q", name)
}

// IsPoints reports whether the unit counts samples.
func (u Unit) IsPoints() bool {
	return u == UnitPoints
}

// Name returns the singular or plural unit name.
func (u Unit) Name(plural bool) string {
	for _, n := range unitNames {
		if n.unit == u {
			if plural {
				return n.name + "s"
			}
			return n.name
		}
	}
	return fmt.Sprintf("%dus", int64(u))
}

func (u Unit) String() string {
	return u.Name(false)
}

// Duration converts a time unit to a time.Duration. Points have no duration.
func (u Unit) Duration() time.Duration {
	return time.Duration(u) * time.Microsecond
}

// UnitNames lists the accepted unit names, used for syntax error messages.
func UnitNames() []string {
	names := make([]string, 0, len(unitNames))
	for _, u := range unitNames {
		names = append(names, u.name+"(s)")
	}
	return names
}
