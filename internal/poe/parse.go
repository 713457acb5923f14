package poe

import (
	"strconv"
	"strings"
)

// portLine is a tokenized "G-P: ..." status line shared by both chip
// protocols. The state may span several words ("start detection"), so
// fields are located relative to the CURRENT/LIMIT token, the first token
// after the state that contains a slash.
type portLine struct {
	group, port int
	state       string
	class       string
	power       string // budget on /proc/pse, chip power on the ESP32
	volts       string
	current     string
	limit       string
	tail        []string // temperature and anything after it
}

func tokenizePortLine(line string) (portLine, bool) {
	head, rest, ok := strings.Cut(strings.TrimSpace(line), ":")
	if !ok {
		return portLine{}, false
	}
	g, p, ok := strings.Cut(head, "-")
	if !ok {
		return portLine{}, false
	}
	group, err := strconv.Atoi(g)
	if err != nil || group < 0 {
		return portLine{}, false
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 {
		return portLine{}, false
	}

	fields := strings.Fields(rest)
	cur := -1
	for i := 4; i < len(fields); i++ {
		if strings.Contains(fields[i], "/") {
			cur = i
			break
		}
	}
	if cur < 0 || cur+1 >= len(fields) {
		return portLine{}, false
	}
	current, limit, _ := strings.Cut(fields[cur], "/")
	return portLine{
		group:   group,
		port:    port,
		state:   strings.Join(fields[:cur-3], " "),
		class:   fields[cur-3],
		power:   fields[cur-2],
		volts:   fields[cur-1],
		current: current,
		limit:   limit,
		tail:    fields[cur+1:],
	}, true
}

// parseField parses a numeric field, mapping the "?" sentinel to zero.
func parseField(s string) (float64, bool) {
	if s == "?" || s == "" {
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseFraction parses "value/max" and returns the numerator.
func parseFraction(s string) (float64, bool) {
	num, _, _ := strings.Cut(s, "/")
	return parseField(num)
}
