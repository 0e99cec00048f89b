package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// sinceParser recognizes English relative-date phrases ("yesterday", "3
// days ago", "last Monday") for get_context's optional since filter (spec
// §4.7 "staleness windows"). Built once; when.Parser is safe for
// concurrent use after construction.
var sinceParser = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// ParseSince resolves a relative-date phrase to a cutoff instant, relative
// to now. An empty phrase returns the zero Time (no cutoff).
func ParseSince(phrase string, now time.Time) (time.Time, error) {
	if phrase == "" {
		return time.Time{}, nil
	}
	r, err := sinceParser.Parse(phrase, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("query: parse since %q: %w", phrase, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("query: since %q: %w", phrase, ErrUnrecognizedDate)
	}
	return r.Time, nil
}

// ErrUnrecognizedDate is returned when ParseSince can't find a date phrase.
var ErrUnrecognizedDate = errors.New("no recognizable date phrase")
