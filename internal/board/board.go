// Package board derives the day-column view of the order table.
//
// Records are grouped by their planned date. The range starts five days
// before today and ends the day after the latest planned date; Sundays are
// not shown.
package board

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// DaysBefore is how many past days the board shows.
const DaysBefore = 5

var weekdays = [...]string{"Вс", "Пн", "Вт", "Ср", "Чт", "Пт", "Сб"}

// Day is one board column.
type Day struct {
	Date    time.Time
	Records []schema.Record

	// TotalArea sums the area field of Records.
	TotalArea float64

	// AllDelivered is true when the day has records and every one is delivered.
	AllDelivered bool
}

// Key returns the day's date in DD.MM.YYYY.
func (d Day) Key() string {
	return schema.FormatDate(d.Date)
}

// Weekday returns the short Russian weekday name.
func (d Day) Weekday() string {
	return weekdays[d.Date.Weekday()]
}

// Board is the grouped view.
type Board struct {
	Days []Day

	// Unscheduled holds records without a parsable planned date.
	Unscheduled []schema.Record

	// Outside counts records planned before the first shown day or on a
	// Sunday.
	Outside int
}

// Build groups records into day columns relative to today.
func Build(records []schema.Record, today time.Time) Board {
	today = truncateDay(today)
	start := today.AddDate(0, 0, -DaysBefore)

	type dated struct {
		rec  schema.Record
		date time.Time
	}
	var b Board
	var scheduled []dated
	maxDate := today
	for _, rec := range records {
		raw := rec.Fields.Value(schema.FieldPlannedDate)
		if strings.TrimSpace(raw) == "" {
			b.Unscheduled = append(b.Unscheduled, rec)
			continue
		}
		date, err := schema.ParseDate(raw)
		if err != nil {
			b.Unscheduled = append(b.Unscheduled, rec)
			continue
		}
		date = truncateDay(date)
		if date.After(maxDate) {
			maxDate = date
		}
		scheduled = append(scheduled, dated{rec, date})
	}

	end := maxDate.AddDate(0, 0, 1)
	for end.Weekday() == time.Sunday {
		end = end.AddDate(0, 0, 1)
	}

	index := make(map[string]int)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Sunday {
			continue
		}
		index[schema.FormatDate(d)] = len(b.Days)
		b.Days = append(b.Days, Day{Date: d})
	}

	for _, s := range scheduled {
		i, ok := index[schema.FormatDate(s.date)]
		if !ok {
			b.Outside++
			continue
		}
		b.Days[i].Records = append(b.Days[i].Records, s.rec)
	}

	for i := range b.Days {
		day := &b.Days[i]
		day.AllDelivered = len(day.Records) > 0
		for _, rec := range day.Records {
			day.TotalArea += ParseArea(rec.Fields.Value(schema.FieldArea))
			if !schema.IsDelivered(rec.Fields.Value(schema.FieldStatus)) {
				day.AllDelivered = false
			}
		}
	}
	return b
}

// Find returns the column for date, if shown.
func (b Board) Find(date time.Time) (Day, bool) {
	key := schema.FormatDate(date)
	i := sort.Search(len(b.Days), func(i int) bool {
		return !b.Days[i].Date.Before(truncateDay(date))
	})
	if i < len(b.Days) && b.Days[i].Key() == key {
		return b.Days[i], true
	}
	return Day{}, false
}

// ParseArea reads an area value that may use a decimal comma. Empty or
// invalid values count as zero.
func ParseArea(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// FormatArea renders an area with two decimals.
func FormatArea(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
