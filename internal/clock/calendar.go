// Package clock owns the simulation's fractional time axis.
//
// One simulated day is the base unit. The integer part of a Time is the day,
// the fractional part is the position within it. Ten days make a month and
// ten months make a year.
package clock

import (
	"fmt"
	"math"
)

// Calendar constants.
const (
	DaysPerMonth  = 10
	MonthsPerYear = 10
	DaysPerYear   = DaysPerMonth * MonthsPerYear
)

// Time is a point on the simulated time axis, measured in days.
type Time float64

// Day returns the absolute day number.
func (t Time) Day() int { return int(math.Floor(float64(t))) }

// Month returns the absolute month number.
func (t Time) Month() int { return t.Day() / DaysPerMonth }

// Year returns the absolute year number.
func (t Time) Year() int { return t.Day() / DaysPerYear }

// DayFraction returns the position within the current day, in [0, 1).
func (t Time) DayFraction() float64 { return float64(t) - math.Floor(float64(t)) }

// Floor returns the start of the day containing t.
func (t Time) Floor() Time { return Time(math.Floor(float64(t))) }

// String renders t as a starday/starmonth date. Calendar fields count from 1.
func (t Time) String() string {
	day := t.Day()%DaysPerMonth + 1
	month := t.Month()%MonthsPerYear + 1
	year := t.Year() + 1
	return fmt.Sprintf("Starday %d, Starmonth %d, Year %d +%.3f", day, month, year, t.DayFraction())
}
