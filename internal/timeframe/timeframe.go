// Package timeframe normalizes the many shapes a "timeframe" argument may
// take into the sqlbuilder.TimeRange / []TimeRange values
// TimeframeCondition expects (spec §4.8's Timeframe normalizer).
package timeframe

import (
	"strings"
	"time"

	"htm/internal/sqlbuilder"
)

// Extractor turns a natural-language timeframe string (e.g. "last week")
// into a range, or nil if nothing could be extracted. It is an external
// collaborator — no implementation ships with HTM (spec §6 scopes out
// natural-language time parsing as a vendor concern), callers inject one.
type Extractor func(query string) (*sqlbuilder.TimeRange, error)

// AutoResult is returned by Normalize when the sentinel "auto" mode is
// used: the timeframe is extracted from the query text itself.
// StrippedQuery holds the query unchanged; the matched expression is not
// removed from it.
type AutoResult struct {
	StrippedQuery string
	Range         *sqlbuilder.TimeRange
}

// Normalize accepts any of: nil, a sqlbuilder.TimeRange, a
// []sqlbuilder.TimeRange, a time.Time (promoted to that day's full range),
// a natural-language string (delegated to extractor), or the string
// sentinel "auto" (extract from query itself). It returns a value ready
// for sqlbuilder.TimeframeCondition, or (for "auto") an *AutoResult.
func Normalize(tf any, query string, extractor Extractor) (any, error) {
	switch v := tf.(type) {
	case nil:
		return nil, nil
	case sqlbuilder.TimeRange:
		return v, nil
	case []sqlbuilder.TimeRange:
		return v, nil
	case time.Time:
		return dayRange(v), nil
	case string:
		if strings.EqualFold(v, "auto") {
			if extractor == nil {
				return &AutoResult{StrippedQuery: query}, nil
			}
			r, err := extractor(query)
			if err != nil {
				return nil, err
			}
			stripped := query
			return &AutoResult{StrippedQuery: stripped, Range: r}, nil
		}
		if extractor == nil {
			return nil, nil
		}
		r, err := extractor(v)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, nil
		}
		return *r, nil
	default:
		return nil, nil
	}
}

func dayRange(t time.Time) sqlbuilder.TimeRange {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	end := start.Add(24*time.Hour - time.Nanosecond)
	return sqlbuilder.TimeRange{Start: start, End: end}
}
