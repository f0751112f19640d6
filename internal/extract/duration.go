package extract

import (
	"regexp"
	"strconv"
)

var isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration converts an ISO 8601 duration such as "PT1H30M" into whole
// minutes, rounding seconds up. It reports false for empty or unparseable input.
func ParseISODuration(s string) (int, bool) {
	if s == "" || s == "P" || s == "PT" {
		return 0, false
	}
	m := isoDuration.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	atoi := func(v string) int {
		n, _ := strconv.Atoi(v)
		return n
	}
	minutes := atoi(m[1])*24*60 + atoi(m[2])*60 + atoi(m[3])
	if m[4] != "" {
		secs, _ := strconv.ParseFloat(m[4], 64)
		minutes += int((secs + 59) / 60)
	}
	return minutes, true
}
