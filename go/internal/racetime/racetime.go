// Package racetime computes elapsed and remaining race time from the stored
// round timestamps. Nothing here reads the wall clock; callers pass now.
package racetime

import (
	"time"

	"github.com/frawau/gokartrace-sub000/go/internal/models"
)

// Elapsed is the race time consumed at now: now minus the start, minus the
// part of every pause that falls between the start and now. An open pause
// counts as ending at now, so elapsed freezes while the race is paused.
// It is zero before the start and frozen at the end once the round ended.
func Elapsed(round models.Round, pauses []models.RoundPause, now time.Time) time.Duration {
	if round.Started == nil {
		return 0
	}
	if round.Ended != nil && round.Ended.Before(now) {
		now = *round.Ended
	}
	start := *round.Started
	if !now.After(start) {
		return 0
	}
	paused := overlap(pauses, start, now, now)
	return seconds(now.Sub(start) - paused)
}

// Remaining is the duration minus the elapsed time, never negative.
func Remaining(round models.Round, pauses []models.RoundPause, now time.Time) time.Duration {
	left := round.Duration - Elapsed(round, pauses, now)
	if left < 0 {
		return 0
	}
	return seconds(left)
}

// IsPaused is true when a pause is open. A round that has not started is
// reported as paused as well; the dashboards rely on it.
func IsPaused(round models.Round, pauses []models.RoundPause) bool {
	if round.Started == nil {
		return true
	}
	return OpenPause(pauses) != nil
}

// PitLaneOpen is true while pitlane_open_after <= elapsed <= duration -
// pitlane_close_before. Both bounds are inclusive.
func PitLaneOpen(round models.Round, pauses []models.RoundPause, now time.Time) bool {
	elapsed := Elapsed(round, pauses, now)
	if elapsed < round.PitlaneOpenAfter {
		return false
	}
	return elapsed <= round.Duration-round.PitlaneCloseBefore
}

// OpenPause returns the most recent pause without an end, or nil.
func OpenPause(pauses []models.RoundPause) *models.RoundPause {
	var open *models.RoundPause
	for i := range pauses {
		p := pauses[i]
		if p.End != nil {
			continue
		}
		if open == nil || p.Start.After(open.Start) {
			open = &p
		}
	}
	return open
}

// DrivingTime sums the session durations of a driver with the pauses clipped
// to each session removed. Sessions still driving count up to now, as do open
// pauses. Sessions that never started count for nothing.
func DrivingTime(sessions []models.Session, pauses []models.RoundPause, now time.Time) time.Duration {
	var total time.Duration
	for _, s := range sessions {
		if s.Start == nil {
			continue
		}
		end := now
		if s.End != nil {
			end = *s.End
		}
		if !end.After(*s.Start) {
			continue
		}
		total += end.Sub(*s.Start) - overlap(pauses, *s.Start, end, now)
	}
	return seconds(total)
}

// overlap is the total time the pauses cover inside [from, to]. Open pauses
// end at openEnd.
func overlap(pauses []models.RoundPause, from, to, openEnd time.Time) time.Duration {
	var total time.Duration
	for _, p := range pauses {
		pStart := p.Start
		pEnd := openEnd
		if p.End != nil {
			pEnd = *p.End
		}
		if pStart.Before(from) {
			pStart = from
		}
		if pEnd.After(to) {
			pEnd = to
		}
		if pEnd.After(pStart) {
			total += pEnd.Sub(pStart)
		}
	}
	return total
}

func seconds(d time.Duration) time.Duration {
	return d.Truncate(time.Second)
}
