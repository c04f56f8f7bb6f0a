package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/olebedev/when/rules/ru"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(ru.All...)
	w.Add(common.All...)
	return w
}()

// parseTargetDate accepts the sheet's own date formats or natural language
// such as "tomorrow", "next friday" or "завтра".
func parseTargetDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := schema.ParseDate(s); err == nil {
		return t, nil
	}
	r, err := dateParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q (use DD.MM.YYYY or e.g. \"next monday\")", s)
	}
	return r.Time, nil
}
