// Package abac implements the ABAC Condition Evaluator (spec §4.4):
// conditions attached to a tuple are short-circuit predicates checked
// against a runtime context before find_direct honors that tuple. CIDR
// parsing follows the teacher's security/certs.go idiom of wrapping
// net.ParseCIDR errors and denying rather than panicking on malformed
// input.
package abac

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Conditions is the decoded shape of a tuple's Conditions JSON (spec §4.4).
// Every field is optional; present fields AND together.
type Conditions struct {
	TimeWindow     *TimeWindow       `json:"time_window,omitempty"`
	AllowedIPs     []string          `json:"allowed_ips,omitempty"`
	AllowedDevices []string          `json:"allowed_devices,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// TimeWindow bounds the hours of day (or full timestamps) a tuple is live.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Context is the runtime evaluation context supplied with a check.
type Context struct {
	IP         string
	Device     string
	Attributes map[string]string
	Now        time.Time
}

// Parse decodes a tuple's raw Conditions JSON. A nil/empty payload means
// "no conditions" and always evaluates to allow.
func Parse(raw json.RawMessage) (*Conditions, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var c Conditions
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("abac: malformed conditions: %w", err)
	}
	return &c, nil
}

// Evaluate applies the decision rule from spec §4.4: a nil Conditions (or
// one with every field empty) allows unconditionally; otherwise every
// present predicate must hold, and missing context for a present
// condition, or a malformed/unknown CIDR or time string, denies (with a
// warning logged -- never a panic).
func Evaluate(c *Conditions, ctx Context, log *logrus.Entry) bool {
	if c == nil {
		return true
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	if c.TimeWindow != nil {
		if !evaluateTimeWindow(*c.TimeWindow, ctx, log) {
			return false
		}
	}
	if len(c.AllowedIPs) > 0 {
		if !evaluateIP(c.AllowedIPs, ctx, log) {
			return false
		}
	}
	if len(c.AllowedDevices) > 0 {
		if !evaluateDevice(c.AllowedDevices, ctx, log) {
			return false
		}
	}
	if len(c.Attributes) > 0 {
		if !evaluateAttributes(c.Attributes, ctx, log) {
			return false
		}
	}
	return true
}

func evaluateTimeWindow(w TimeWindow, ctx Context, log *logrus.Entry) bool {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	start, err := parseTimeBoundary(w.Start, now)
	if err != nil {
		log.WithError(err).Warn("abac: malformed time_window.start, denying")
		return false
	}
	end, err := parseTimeBoundary(w.End, now)
	if err != nil {
		log.WithError(err).Warn("abac: malformed time_window.end, denying")
		return false
	}
	current := now.Format("15:04:05")
	if start.After(end) {
		// window wraps midnight, e.g. 22:00-06:00
		return current >= start.Format("15:04:05") || current <= end.Format("15:04:05")
	}
	return current >= start.Format("15:04:05") && current <= end.Format("15:04:05")
}

// parseTimeBoundary accepts "HH:MM", "HH:MM:SS", or a full RFC3339
// timestamp, always projecting down to the time-of-day portion anchored on
// now's date, matching spec §4.4's "compared as strings after normalizing
// to the time portion".
func parseTimeBoundary(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location()), nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location()), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
}

func evaluateIP(cidrs []string, ctx Context, log *logrus.Entry) bool {
	if ctx.IP == "" {
		log.Warn("abac: allowed_ips present but context has no ip, denying")
		return false
	}
	ip := net.ParseIP(ctx.IP)
	if ip == nil {
		log.WithField("ip", ctx.IP).Warn("abac: unparseable context ip, denying")
		return false
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			log.WithError(err).WithField("cidr", cidr).Warn("abac: malformed CIDR entry, skipping")
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func evaluateDevice(allowed []string, ctx Context, log *logrus.Entry) bool {
	if ctx.Device == "" {
		log.Warn("abac: allowed_devices present but context has no device, denying")
		return false
	}
	for _, d := range allowed {
		if strings.EqualFold(d, ctx.Device) {
			return true
		}
	}
	return false
}

func evaluateAttributes(required map[string]string, ctx Context, log *logrus.Entry) bool {
	if ctx.Attributes == nil {
		log.Warn("abac: attributes condition present but context has none, denying")
		return false
	}
	for k, expected := range required {
		got, ok := ctx.Attributes[k]
		if !ok || got != expected {
			return false
		}
	}
	return true
}
