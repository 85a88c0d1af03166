package util

import (
	"strconv"
	"strings"
)

// InfoField returns the value of field from an INFO reply, or "" when absent.
func InfoField(info, field string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if ok && k == field {
			return v
		}
	}
	return ""
}

// InfoInt is InfoField parsed as an integer; ok is false when absent or malformed.
func InfoInt(info, field string) (n int64, ok bool) {
	v := InfoField(info, field)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}
