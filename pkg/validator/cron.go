package validator

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gridjobs/engine/pkg/job"
)

type cronField struct {
	min, max int
}

// Ranges of minute, hour, day-of-month, month and day-of-week. Day-of-month
// stops at 28 for macro expansion so monthly jobs fire every month.
var macroFields = [5]cronField{{0, 59}, {0, 23}, {1, 28}, {1, 12}, {0, 6}}

var macros = map[string]string{
	"@hourly":  "0 * * * *",
	"@daily":   "0 0 * * *",
	"@weekly":  "0 0 * * 0",
	"@monthly": "0 0 1 * *",
	"@yearly":  "0 0 1 1 *",
}

// MacroNames returns the supported @-macros.
func MacroNames() []string {
	return []string{"@hourly", "@daily", "@weekly", "@monthly", "@yearly"}
}

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a cron expression and normalizes it to the five
// field form CronJobs accept. Macros are expanded to a fixed time derived
// from owner and name, so a job keeps its slot across restarts while
// different jobs spread across the period.
func ParseSchedule(expr, owner, name string) (job.Schedule, error) {
	text := strings.TrimSpace(expr)
	if text == "" {
		return job.Schedule{}, fmt.Errorf("schedule is empty")
	}

	if strings.HasPrefix(text, "@") {
		tmpl, ok := macros[strings.ToLower(text)]
		if !ok {
			return job.Schedule{}, fmt.Errorf("unsupported macro %q, supported macros are: %s",
				text, strings.Join(MacroNames(), ", "))
		}
		return job.Schedule{Expression: expandMacro(tmpl, owner, name), Configured: text}, nil
	}

	if strings.HasPrefix(text, "TZ=") || strings.HasPrefix(text, "CRON_TZ=") {
		return job.Schedule{}, fmt.Errorf("time zone prefixes are not supported")
	}

	fields := strings.Fields(strings.ToLower(text))
	switch len(fields) {
	case 5:
	case 6:
		if fields[0] != "0" {
			return job.Schedule{}, fmt.Errorf("seconds field must be 0, schedules have minute granularity")
		}
		fields = fields[1:]
	default:
		return job.Schedule{}, fmt.Errorf("expected 5 space-separated fields, found %d", len(fields))
	}

	fields[4] = normalizeSunday(fields[4])
	normalized := strings.Join(fields, " ")

	if _, err := standardParser.Parse(normalized); err != nil {
		return job.Schedule{}, fmt.Errorf("unable to parse %q: %w", text, err)
	}

	return job.Schedule{Expression: normalized, Configured: text}, nil
}

// NextRun returns the first activation of the schedule strictly after from.
func NextRun(s job.Schedule, from time.Time) (time.Time, error) {
	sched, err := standardParser.Parse(s.Expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to parse %q: %w", s.Expression, err)
	}
	return sched.Next(from), nil
}

func expandMacro(tmpl, owner, name string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(owner + " " + name))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed>>1))

	parts := strings.Fields(tmpl)
	for i, f := range macroFields {
		if parts[i] == "*" {
			continue
		}
		parts[i] = strconv.Itoa(f.min + rng.IntN(f.max-f.min+1))
	}
	return strings.Join(parts, " ")
}

// normalizeSunday maps a bare 7 in the day-of-week list to 0.
func normalizeSunday(dow string) string {
	entries := strings.Split(dow, ",")
	for i, e := range entries {
		if e == "7" {
			entries[i] = "0"
		}
	}
	return strings.Join(entries, ",")
}
