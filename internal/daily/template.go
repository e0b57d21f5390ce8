// Package daily renders the daily journal template and appends it to a
// page in the workspace.
package daily

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// DefaultTemplate is used when no template file is configured.
const DefaultTemplate = `## {{weekday}}, {{month_name}} {{day}}, {{year}}

### Focus
- [ ]

### Notes
-

---
`

var variables = map[string]func(t time.Time) string{
	"date":          func(t time.Time) string { return t.Format("2006-01-02") },
	"year":          func(t time.Time) string { return strconv.Itoa(t.Year()) },
	"month":         func(t time.Time) string { return t.Format("01") },
	"day":           func(t time.Time) string { return t.Format("02") },
	"weekday":       func(t time.Time) string { return t.Format("Monday") },
	"weekday_short": func(t time.Time) string { return t.Format("Mon") },
	"month_name":    func(t time.Time) string { return t.Format("January") },
	"month_short":   func(t time.Time) string { return t.Format("Jan") },
	"iso_date":      func(t time.Time) string { return t.Format(time.RFC3339) },
	"iso_datetime":  func(t time.Time) string { return t.Format("2006-01-02T15:04:05") },
	"time":          func(t time.Time) string { return t.Format("15:04") },
	"hour":          func(t time.Time) string { return t.Format("15") },
	"minute":        func(t time.Time) string { return t.Format("04") },
	"timestamp":     func(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) },
	"week_number": func(t time.Time) string {
		_, week := t.ISOWeek()
		return fmt.Sprintf("%02d", week)
	},
	"day_of_year": func(t time.Time) string { return fmt.Sprintf("%03d", t.YearDay()) },
	"quarter":     func(t time.Time) string { return strconv.Itoa((int(t.Month())-1)/3 + 1) },
}

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes {{name}} placeholders with values for t. Unknown
// names are left as written.
func Render(tmpl string, t time.Time) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if f, ok := variables[name]; ok {
			return f(t)
		}
		return m
	})
}

// Variables returns the supported placeholder names, sorted.
func Variables() []string {
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preview returns the value of every variable for t.
func Preview(t time.Time) map[string]string {
	out := make(map[string]string, len(variables))
	for name, f := range variables {
		out[name] = f(t)
	}
	return out
}
