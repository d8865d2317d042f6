package adapter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseHashrate parses a device-reported hashrate string such as
// "123.45 MH/s", "62.74KH/s" or "950 H/s" into a value and a normalised
// unit. Plain H/s values are converted to KH/s, the smallest unit the
// data model carries.
func ParseHashrate(s string) (float64, string, error) {
	raw := strings.TrimSpace(s)
	unit := ""
	for _, suffix := range []string{"TH/s", "GH/s", "MH/s", "KH/s", "kH/s", "H/s"} {
		if strings.HasSuffix(raw, suffix) {
			unit = suffix
			raw = strings.TrimSpace(strings.TrimSuffix(raw, suffix))
			break
		}
	}
	if unit == "" {
		return 0, "", fmt.Errorf("hashrate %q has no recognised unit", s)
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, "", fmt.Errorf("hashrate %q: %w", s, err)
	}

	switch unit {
	case "H/s":
		return value / 1000, "KH/s", nil
	case "kH/s":
		return value, "KH/s", nil
	default:
		return value, unit, nil
	}
}

// ParseDifficulty parses a difficulty value that may carry a k/M/G/T unit
// suffix, e.g. "4.29G" or "112.5k".
func ParseDifficulty(s string) (float64, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("empty difficulty")
	}

	mult := 1.0
	switch raw[len(raw)-1] {
	case 'k', 'K':
		mult = 1e3
		raw = raw[:len(raw)-1]
	case 'M':
		mult = 1e6
		raw = raw[:len(raw)-1]
	case 'G':
		mult = 1e9
		raw = raw[:len(raw)-1]
	case 'T':
		mult = 1e12
		raw = raw[:len(raw)-1]
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("difficulty %q: %w", s, err)
	}
	return value * mult, nil
}

// ParseShareString parses the "rejected/accepted/pct%" share triple the
// passive family reports, e.g. "3/1024/0.29%".
func ParseShareString(s string) (accepted, rejected int64, err error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("share string %q: want rejected/accepted", s)
	}
	rejected, err = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("share string %q: %w", s, err)
	}
	accepted, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("share string %q: %w", s, err)
	}
	return accepted, rejected, nil
}

// ParseUptime parses the "Dd HH:MM:SS" uptime format, e.g. "3d 07:15:42"
// or "12:03:09" when under a day.
func ParseUptime(s string) (time.Duration, error) {
	raw := strings.TrimSpace(s)
	var days int64

	if i := strings.IndexByte(raw, 'd'); i >= 0 {
		d, err := strconv.ParseInt(strings.TrimSpace(raw[:i]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("uptime %q: %w", s, err)
		}
		days = d
		raw = strings.TrimSpace(raw[i+1:])
	}

	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("uptime %q: want HH:MM:SS", s)
	}
	h, err1 := strconv.ParseInt(parts[0], 10, 64)
	m, err2 := strconv.ParseInt(parts[1], 10, 64)
	sec, err3 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("uptime %q: bad clock fields", s)
	}

	return time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second, nil
}

// NormalizeHashrateGH converts a (value, unit) pair to GH/s for
// cross-family comparison.
func NormalizeHashrateGH(value float64, unit string) float64 {
	switch unit {
	case "KH/s":
		return value / 1e6
	case "MH/s":
		return value / 1e3
	case "GH/s":
		return value
	case "TH/s":
		return value * 1e3
	default:
		return value
	}
}

// SplitHostPort splits a normalised "host:port" string, tolerating a
// missing port.
func SplitHostPort(hostPort string) (string, int) {
	i := strings.LastIndexByte(hostPort, ':')
	if i < 0 {
		return hostPort, 0
	}
	port, err := strconv.Atoi(hostPort[i+1:])
	if err != nil {
		return hostPort, 0
	}
	return hostPort[:i], port
}

// NormalizePoolURL strips the protocol prefix and trailing slash and
// lowercases, so URLs from different sources compare equal. Used by the
// reconciliation loops and the idempotency checks.
func NormalizePoolURL(url string) string {
	u := strings.TrimSpace(strings.ToLower(url))
	for _, prefix := range []string{"stratum+tcp://", "stratum+ssl://", "http://", "https://", "tcp://"} {
		u = strings.TrimPrefix(u, prefix)
	}
	return strings.TrimSuffix(u, "/")
}
