// internal/fines/fines.go

// Package fines computes overdue and condition penalties. Nothing in here
// touches storage or the clock; callers pass every timestamp explicitly.
package fines

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/libranexus/circulation/internal/domain"
)

const day = 24 * time.Hour

// Rounding selects how a partial overdue day is counted.
type Rounding string

const (
	// RoundCeil counts any started day as a full day.
	RoundCeil Rounding = "ceil"
	// RoundFloor counts only fully elapsed days.
	RoundFloor Rounding = "floor"
	// RoundCalendar counts calendar dates crossed in the policy location.
	RoundCalendar Rounding = "calendar"
)

func ParseRounding(s string) (Rounding, error) {
	switch r := Rounding(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RoundCeil, nil
	case RoundCeil, RoundFloor, RoundCalendar:
		return r, nil
	}
	return "", fmt.Errorf("unknown overdue rounding %q", s)
}

// Policy holds the fine rates.
type Policy struct {
	DailyRate       domain.Amount
	DamagedFraction decimal.Decimal
	LostFraction    decimal.Decimal
	Rounding        Rounding
	GracePeriod     time.Duration
	// Location is used by RoundCalendar; UTC when nil.
	Location *time.Location
}

// DefaultPolicy charges half the replacement value for damage and the full
// value for a loss, with ceiling day rounding and no grace period.
func DefaultPolicy(dailyRate domain.Amount) Policy {
	return Policy{
		DailyRate:       dailyRate,
		DamagedFraction: decimal.NewFromFloat(0.5),
		LostFraction:    decimal.NewFromInt(1),
		Rounding:        RoundCeil,
	}
}

// OverdueFine charges dailyRate for every started day past due.
func OverdueFine(due, returned time.Time, dailyRate domain.Amount) domain.Amount {
	return Policy{DailyRate: dailyRate, Rounding: RoundCeil}.OverdueFine(due, returned)
}

// OverdueDays is the number of chargeable days between due and returned.
func (p Policy) OverdueDays(due, returned time.Time) int64 {
	returned = returned.Add(-p.GracePeriod)
	if !returned.After(due) {
		return 0
	}

	if p.Rounding == RoundCalendar {
		loc := p.Location
		if loc == nil {
			loc = time.UTC
		}
		return civilDay(returned.In(loc)) - civilDay(due.In(loc))
	}

	elapsed := returned.Sub(due)
	days := int64(elapsed / day)
	if p.Rounding != RoundFloor && elapsed%day != 0 {
		days++
	}
	return days
}

func (p Policy) OverdueFine(due, returned time.Time) domain.Amount {
	return domain.Amount(p.OverdueDays(due, returned)) * p.DailyRate
}

// ConditionFine is the share of the replacement value charged for the
// return condition, rounded half away from zero to a whole minor unit.
func (p Policy) ConditionFine(c domain.Condition, replacementValue domain.Amount) domain.Amount {
	var fraction decimal.Decimal
	switch c {
	case domain.ConditionDamaged:
		fraction = p.DamagedFraction
	case domain.ConditionLost:
		fraction = p.LostFraction
	default:
		return 0
	}
	if replacementValue <= 0 || !fraction.IsPositive() {
		return 0
	}
	return domain.Amount(decimal.NewFromInt(int64(replacementValue)).Mul(fraction).Round(0).IntPart())
}

// Assessment is the full breakdown for one loan settlement.
type Assessment struct {
	Condition    domain.Condition
	OverdueDays  int64
	Overdue      domain.Amount
	ForCondition domain.Amount
	Total        domain.Amount
}

// Assess evaluates both parts independently and sums them.
func (p Policy) Assess(due, returned time.Time, c domain.Condition, replacementValue domain.Amount) Assessment {
	a := Assessment{
		Condition:    c,
		OverdueDays:  p.OverdueDays(due, returned),
		ForCondition: p.ConditionFine(c, replacementValue),
	}
	a.Overdue = domain.Amount(a.OverdueDays) * p.DailyRate
	a.Total = a.Overdue + a.ForCondition
	return a
}

// Reason is the condition when one applies, otherwise overdue.
func (a Assessment) Reason() domain.FineReason {
	switch a.Condition {
	case domain.ConditionLost:
		return domain.FineLost
	case domain.ConditionDamaged:
		return domain.FineDamaged
	default:
		return domain.FineOverdue
	}
}

func (a Assessment) Note() string {
	parts := make([]string, 0, 2)
	if a.OverdueDays > 0 {
		parts = append(parts, fmt.Sprintf("%d day(s) overdue: %d", a.OverdueDays, a.Overdue))
	}
	if a.ForCondition > 0 {
		parts = append(parts, fmt.Sprintf("returned %s: %d", a.Condition, a.ForCondition))
	}
	if len(parts) == 0 {
		return "returned on time"
	}
	return strings.Join(parts, "; ")
}

func civilDay(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / int64(day/time.Second)
}
