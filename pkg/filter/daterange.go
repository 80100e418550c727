package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/umputun/dbrelay/pkg/errors"
	"github.com/umputun/dbrelay/pkg/stmt"
)

// Period is a date range granularity
type Period string

// supported periods
const (
	Day   Period = "@day"
	Month Period = "@month"
	Year  Period = "@year"
)

// Bounds returns half-open range [from, to) of the period containing t
func (p Period) Bounds(t time.Time) (from, to time.Time) {
	switch p {
	case Month:
		from = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 1, 0)
	case Year:
		from = time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(1, 0, 0)
	default:
		from = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return from, from.AddDate(0, 0, 1)
	}
}

func parsePeriod(op string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(op))); p {
	case Day, Month, Year:
		return p, nil
	case "":
		return Day, nil
	}
	return "", errors.Newf(errors.ErrValidation, "unsupported date range %q", op)
}

// DateRange matches a column against the day, month or year containing the value
type DateRange struct {
	memo
	Period   Period
	column   string
	From, To time.Time
}

func newDateRange(spec Spec, r Resolver) (Filter, error) {
	cols, err := specColumns(spec)
	if err != nil {
		return nil, err
	}
	if len(cols) != 1 {
		return nil, errors.New(errors.ErrValidation, "date range takes a single column")
	}
	p, err := parsePeriod(spec.Filter)
	if err != nil {
		return nil, err
	}
	t, err := dateValue(spec.Value)
	if err != nil {
		return nil, err
	}
	res := &DateRange{Period: p, column: cols[0]}
	res.From, res.To = p.Bounds(t)
	res.build = func() (string, []stmt.BindValue) {
		sql, binds := rangePredicate(qualify(r, res.column), bindName(res.column), res.From, res.To, "")
		return sql, binds
	}
	return res, nil
}

// Columns returns the filtered column
func (f *DateRange) Columns() []string { return []string{f.column} }

// MultiDateRange matches a column against any of several date ranges of the same period
type MultiDateRange struct {
	memo
	Period Period
	column string
	Ranges [][2]time.Time
}

func newMultiDateRange(spec Spec, r Resolver) (Filter, error) {
	cols, err := specColumns(spec)
	if err != nil {
		return nil, err
	}
	if len(cols) != 1 {
		return nil, errors.New(errors.ErrValidation, "date range takes a single column")
	}
	p, err := parsePeriod(spec.Filter)
	if err != nil {
		return nil, err
	}
	raws := spec.Values
	if len(raws) == 0 && len(spec.Value) > 0 {
		raws = append(raws, spec.Value)
	}
	if len(raws) == 0 {
		return nil, errors.New(errors.ErrValidation, "date range requires values")
	}
	res := &MultiDateRange{Period: p, column: cols[0]}
	for _, raw := range raws {
		t, err := dateValue(raw)
		if err != nil {
			return nil, err
		}
		from, to := p.Bounds(t)
		res.Ranges = append(res.Ranges, [2]time.Time{from, to})
	}
	res.build = func() (string, []stmt.BindValue) {
		preds := make([]string, 0, len(res.Ranges))
		binds := []stmt.BindValue{}
		for i, rng := range res.Ranges {
			sql, bb := rangePredicate(qualify(r, res.column), bindName(res.column), rng[0], rng[1], fmt.Sprintf("_%d", i+1))
			preds = append(preds, sql)
			binds = append(binds, bb...)
		}
		return "(" + strings.Join(preds, " OR ") + ")", binds
	}
	return res, nil
}

// Columns returns the filtered column
func (f *MultiDateRange) Columns() []string { return []string{f.column} }

func rangePredicate(col, name string, from, to time.Time, suffix string) (string, []stmt.BindValue) {
	return "(" + col + " >= ? AND " + col + " < ?)", []stmt.BindValue{
		stmt.NewBind(name+"_from"+suffix, stmt.TypeTimestamp, from),
		stmt.NewBind(name+"_to"+suffix, stmt.TypeTimestamp, to),
	}
}

func dateValue(raw []byte) (time.Time, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return time.Time{}, err
	}
	if v == nil {
		return time.Time{}, errors.New(errors.ErrValidation, "date range requires a value")
	}
	cv, err := stmt.TypeTimestamp.Convert(v)
	if err != nil {
		return time.Time{}, err
	}
	t, ok := cv.(time.Time)
	if !ok {
		return time.Time{}, errors.Newf(errors.ErrValidation, "bad date %v", v)
	}
	return t, nil
}
