package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// vevent is a VEVENT reduced to what busy classification and recurrence
// expansion need.
type vevent struct {
	UID     string
	Summary string
	Start   time.Time
	End     time.Time
	AllDay  bool
	Opaque  bool

	RRule        string
	ExDates      []time.Time
	RecurrenceID *time.Time
}

// Parse decodes a feed body. Cancelled events are dropped; events that
// cannot be decoded are skipped and reported in skipped.
func Parse(body []byte) (events []vevent, skipped int, err error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, 0, errors.New("ics: empty feed")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("ics: parse: %w", err)
	}

	for _, ve := range cal.Events() {
		if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
			continue
		}
		ev, err := parseEvent(ve)
		if err != nil {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}

func parseEvent(ve *ical.VEvent) (vevent, error) {
	var ev vevent
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		ev.UID = p.Value
	}
	ev.Summary = "Busy"
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil && p.Value != "" {
		ev.Summary = p.Value
	}

	// TRANSP defaults to OPAQUE.
	ev.Opaque = true
	if p := ve.GetProperty(ical.ComponentPropertyTransp); p != nil {
		ev.Opaque = !strings.EqualFold(strings.TrimSpace(p.Value), string(ical.TransparencyTransparent))
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return ev, errors.New("missing DTSTART")
	}
	ev.AllDay = isDateValue(dtStart)

	if ev.AllDay {
		start, err := ve.GetAllDayStartAt()
		if err != nil {
			return ev, err
		}
		ev.Start = utcDate(start)
		ev.End = ev.Start.AddDate(0, 0, 1)
		if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
			if end, err := parseValue(p.Value, time.UTC); err == nil && end.After(ev.Start) {
				ev.End = utcDate(end)
			}
		}
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return ev, err
		}
		ev.Start = start
		ev.End = start
		if end, err := ve.GetEndAt(); err == nil && end.After(start) {
			ev.End = end
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.RRule = p.Value
	}
	loc := ev.Start.Location()
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseValue(part, paramLocation(p.ICalParameters, loc)); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		if t, err := parseValue(p.Value, paramLocation(p.ICalParameters, loc)); err == nil {
			if ev.AllDay {
				t = utcDate(t)
			}
			ev.RecurrenceID = &t
		}
	}
	return ev, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs := p.ICalParameters[string(ical.ParameterValue)]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func paramLocation(params map[string][]string, fallback *time.Location) *time.Location {
	if tz := params["TZID"]; len(tz) == 1 {
		if loc, err := time.LoadLocation(tz[0]); err == nil {
			return loc
		}
	}
	return fallback
}

// parseValue decodes DATE, floating DATE-TIME and UTC DATE-TIME values.
func parseValue(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

// utcDate re-anchors a calendar date at UTC midnight; all-day events are
// compared against the UTC day.
func utcDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
