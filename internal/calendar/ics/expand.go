package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	"github.com/sweeney/busylight/internal/calendar"
)

// maxOccurrences caps the expansion of a single recurring event.
const maxOccurrences = 1000

// Expand turns parsed events into single occurrences overlapping
// [from, to]. RECURRENCE-ID overrides replace the matching generated
// instance; EXDATEs remove instances.
func Expand(events []vevent, from, to time.Time) ([]calendar.EventSummary, error) {
	overrides := make(map[string][]vevent)
	var bases []vevent
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases = append(bases, ev)
	}

	var out []calendar.EventSummary
	for _, ev := range bases {
		if ev.RRule == "" {
			if overlaps(ev.Start, ev.End, from, to) {
				out = append(out, summary(ev, ev.Start, ev.End))
			}
			continue
		}

		occ, err := occurrences(ev, from, to)
		if err != nil {
			return nil, err
		}
		dur := ev.End.Sub(ev.Start)
		for _, start := range occ {
			if o, ok := findOverride(overrides[ev.UID], start); ok {
				if overlaps(o.Start, o.End, from, to) {
					out = append(out, summary(o, o.Start, o.End))
				}
				continue
			}
			out = append(out, summary(ev, start, start.Add(dur)))
		}
	}

	// Overrides can move an instance into the window from outside it.
	for _, list := range overrides {
		for _, o := range list {
			if !overlaps(o.Start, o.End, from, to) || containsOverride(out, o) {
				continue
			}
			if !overlaps(*o.RecurrenceID, *o.RecurrenceID, from, to) {
				out = append(out, summary(o, o.Start, o.End))
			}
		}
	}
	return out, nil
}

func occurrences(ev vevent, from, to time.Time) ([]time.Time, error) {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return nil, err
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Widen the lower bound by the duration so instances that began
	// before the window but are still running are included.
	dur := ev.End.Sub(ev.Start)
	times := set.Between(from.Add(-dur).In(ev.Start.Location()), to.In(ev.Start.Location()), true)
	if len(times) > maxOccurrences {
		times = times[:maxOccurrences]
	}
	return times, nil
}

func findOverride(list []vevent, start time.Time) (vevent, bool) {
	for _, o := range list {
		if o.RecurrenceID.Equal(start) {
			return o, true
		}
	}
	return vevent{}, false
}

func containsOverride(out []calendar.EventSummary, o vevent) bool {
	for _, e := range out {
		if e.Title == o.Summary && e.Start.Equal(o.Start) && e.End.Equal(o.End) {
			return true
		}
	}
	return false
}

func summary(ev vevent, start, end time.Time) calendar.EventSummary {
	return calendar.EventSummary{
		Title:  ev.Summary,
		Start:  start,
		End:    end,
		AllDay: ev.AllDay,
		Opaque: ev.Opaque,
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
