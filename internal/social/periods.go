package social

import "time"

// periodBase is activity day 0.
var periodBase = time.Date(2011, time.January, 1, 0, 0, 0, 0, time.UTC)

// Periods maps wall clock time onto activity days and counter periods.
// A period is either a fixed number of days or a calendar month.
type Periods struct {
	days int
	now  func() time.Time
}

// NewPeriods returns a calculator with periods of days length; days <= 0
// selects calendar months.
func NewPeriods(days int) *Periods {
	if days < 0 {
		days = 0
	}
	return &Periods{days: days, now: time.Now}
}

func (p *Periods) InDays() bool {
	return p.days > 0
}

// DayOf returns the activity day containing t.
func DayOf(t time.Time) int {
	d := t.UTC().Sub(periodBase)
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days
}

func dayTime(day int) time.Time {
	return periodBase.AddDate(0, 0, day)
}

func (p *Periods) ActivityDay() int {
	return DayOf(p.now())
}

func (p *Periods) StartPeriod() int {
	return p.StartPeriodAt(0)
}

func (p *Periods) EndPeriod() int {
	return p.EndPeriodAt(0)
}

// StartPeriodAt returns the first day of the period offset periods away
// from the current one.
func (p *Periods) StartPeriodAt(offset int) int {
	if p.InDays() {
		day := p.ActivityDay()
		return day - mod(day, p.days) + offset*p.days
	}
	now := p.now().UTC()
	return DayOf(time.Date(now.Year(), now.Month()+time.Month(offset), 1, 0, 0, 0, 0, time.UTC))
}

// EndPeriodAt returns the last day of the period offset periods away from
// the current one.
func (p *Periods) EndPeriodAt(offset int) int {
	if p.InDays() {
		return p.StartPeriodAt(offset) + p.days - 1
	}
	now := p.now().UTC()
	return DayOf(time.Date(now.Year(), now.Month()+time.Month(offset)+1, 1, 0, 0, 0, 0, time.UTC)) - 1
}

// PeriodLength is the length in days of the current period.
func (p *Periods) PeriodLength() int {
	if p.InDays() {
		return p.days
	}
	return p.EndPeriod() - p.StartPeriod() + 1
}

// Offset returns how many periods day lies from the current period.
func (p *Periods) Offset(day int) int {
	if p.InDays() {
		diff := day - p.StartPeriod()
		offset := diff / p.days
		if mod(diff, p.days) != 0 && diff < 0 {
			offset--
		}
		return offset
	}
	now := p.now().UTC()
	then := dayTime(day)
	return (then.Year()-now.Year())*12 + int(then.Month()) - int(now.Month())
}

// AlignedStart returns the first day of the length-day window, counted from
// start, that contains day.
func AlignedStart(start, length, day int) int {
	return day - mod(day-start, length)
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
