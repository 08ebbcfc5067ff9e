package handoff

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	partyNumberWords = map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
		"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
	}
	partyPrefixRe = regexp.MustCompile(`(?i)\b(?:party of|table for|reservation for|booking for)\s+(\d{1,2}|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve)\b`)
	partySuffixRe = regexp.MustCompile(`(?i)\b(\d{1,2}|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve)\s+(?:people|persons|guests|adults)\b`)
	clockTimeRe   = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)`)
	atTimeRe      = regexp.MustCompile(`(?i)\bat\s+(\d{1,2})(?::(\d{2}))?\b`)
	nameRe        = regexp.MustCompile(`(?i)\b(?:my name is|this is|name's)\s+([a-z][a-z'\-]+(?:\s+[a-z][a-z'\-]+)?)`)
	phoneRe       = regexp.MustCompile(`\+?\d[\d\s\-().]{8,}\d`)
)

// ExtractFields pulls reservation details out of caller utterances. Later
// utterances win over earlier ones.
func ExtractFields(utterances []string) map[string]string {
	out := map[string]string{}
	for _, u := range utterances {
		if size := partySize(u); size > 0 {
			out["party_size"] = strconv.Itoa(size)
		}
		if t := clockTime(u); t != "" {
			out["time"] = t
		}
		if m := nameRe.FindStringSubmatch(u); m != nil {
			out["name"] = titleCase(m[1])
		}
		if m := phoneRe.FindString(u); m != "" {
			out["phone"] = digitsOnly(m)
		}
	}
	return out
}

func partySize(s string) int {
	for _, re := range []*regexp.Regexp{partyPrefixRe, partySuffixRe} {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		word := strings.ToLower(m[1])
		if n, ok := partyNumberWords[word]; ok {
			return n
		}
		if n, err := strconv.Atoi(word); err == nil && n > 0 && n <= 50 {
			return n
		}
	}
	return 0
}

func clockTime(s string) string {
	if m := clockTimeRe.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		if hour < 1 || hour > 12 {
			return ""
		}
		minute := "00"
		if m[2] != "" {
			minute = m[2]
		}
		suffix := strings.ReplaceAll(strings.ToLower(m[3]), ".", "")
		return strconv.Itoa(hour) + ":" + minute + " " + suffix
	}
	if m := atTimeRe.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		if hour < 1 || hour > 23 {
			return ""
		}
		minute := "00"
		if m[2] != "" {
			minute = m[2]
		}
		return strconv.Itoa(hour) + ":" + minute
	}
	return ""
}

func titleCase(s string) string {
	parts := strings.Fields(strings.ToLower(s))
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
