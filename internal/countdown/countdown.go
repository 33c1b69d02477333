// Package countdown holds the integer millisecond arithmetic behind a challenge
// window: remaining time, its clock-face breakdown, and the milestone plan.
package countdown

import (
	"errors"
	"fmt"
	"sort"
)

const (
	SecondMillis int64 = 1000
	MinuteMillis       = 60 * SecondMillis
	HourMillis         = 60 * MinuteMillis
	DayMillis          = 24 * HourMillis
)

// Remaining returns duration minus elapsed, floored at zero. A start time in
// the future counts as zero elapsed.
func Remaining(duration, startedAt, now int64) int64 {
	elapsed := now - startedAt
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= duration {
		return 0
	}
	return duration - elapsed
}

// Parts is the clock-face breakdown of a remaining millisecond count.
type Parts struct {
	Hours   int64 `json:"hours"`
	Minutes int64 `json:"minutes"`
	Seconds int64 `json:"seconds"`
}

// Split decomposes ms into hours, minutes and whole seconds. Sub-second
// remainders are truncated.
func Split(ms int64) Parts {
	if ms < 0 {
		ms = 0
	}
	return Parts{
		Hours:   ms / HourMillis,
		Minutes: (ms % HourMillis) / MinuteMillis,
		Seconds: (ms % MinuteMillis) / SecondMillis,
	}
}

func (p Parts) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", p.Hours, p.Minutes, p.Seconds)
}

// Set is one configured group of milestone thresholds. Percents are the share
// of the duration still remaining when each milestone fires. A zero
// MaxDuration matches any duration.
type Set struct {
	MaxDuration int64
	Percents    []int
}

// Threshold is a single milestone of a plan.
type Threshold struct {
	Milestone int   `json:"milestone"`
	Remaining int64 `json:"remaining_ms"`
}

var ErrNoThresholdSet = errors.New("no milestone threshold set matches duration")

// Plan selects the first set whose MaxDuration covers duration and converts
// it to thresholds ordered from longest remaining to shortest.
func Plan(duration int64, sets []Set) ([]Threshold, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("invalid duration %d", duration)
	}
	for _, s := range sets {
		if s.MaxDuration != 0 && duration > s.MaxDuration {
			continue
		}
		plan := make([]Threshold, 0, len(s.Percents))
		for _, pct := range s.Percents {
			plan = append(plan, Threshold{Milestone: pct, Remaining: duration * int64(pct) / 100})
		}
		sort.SliceStable(plan, func(i, j int) bool { return plan[i].Remaining > plan[j].Remaining })
		return plan, nil
	}
	return nil, ErrNoThresholdSet
}

// Lookup finds the threshold for a milestone identifier.
func Lookup(plan []Threshold, milestone int) (Threshold, bool) {
	for _, t := range plan {
		if t.Milestone == milestone {
			return t, true
		}
	}
	return Threshold{}, false
}

// Evaluate walks the plan against the current remaining time. Thresholds that
// were crossed no longer than grace ago are due; older unfired crossings are
// missed. A grace of zero or less never misses. Results keep plan order.
func Evaluate(plan []Threshold, fired map[int]bool, remaining, grace int64) (due, missed []Threshold) {
	for _, t := range plan {
		if remaining > t.Remaining {
			break
		}
		if fired[t.Milestone] {
			continue
		}
		if grace > 0 && t.Remaining-remaining > grace {
			missed = append(missed, t)
			continue
		}
		due = append(due, t)
	}
	return due, missed
}
