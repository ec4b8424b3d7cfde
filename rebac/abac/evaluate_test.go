package abac

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_EmptyPayloadAllowsUnconditionally(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.True(t, Evaluate(c, Context{}, nil))
}

func TestParse_MalformedJSON(t *testing.T) {
	_, err := Parse(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestEvaluate_AllowedIPs(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := &Conditions{AllowedIPs: []string{"10.0.0.0/8", "192.168.1.0/24"}}

	tests := []struct {
		name string
		ip   string
		want bool
	}{
		{"inside first range", "10.1.2.3", true},
		{"inside second range", "192.168.1.42", true},
		{"outside both ranges", "8.8.8.8", false},
		{"missing context ip", "", false},
		{"unparseable ip", "not-an-ip", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(c, Context{IP: tt.ip}, log)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_MalformedCIDRIsSkippedNotFatal(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := &Conditions{AllowedIPs: []string{"not-a-cidr", "10.0.0.0/8"}}
	assert.True(t, Evaluate(c, Context{IP: "10.1.1.1"}, log))
}

func TestEvaluate_AllowedDevices(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := &Conditions{AllowedDevices: []string{"iphone", "Android"}}

	assert.True(t, Evaluate(c, Context{Device: "IPhone"}, log))
	assert.True(t, Evaluate(c, Context{Device: "android"}, log))
	assert.False(t, Evaluate(c, Context{Device: "windows"}, log))
	assert.False(t, Evaluate(c, Context{}, log))
}

func TestEvaluate_Attributes(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := &Conditions{Attributes: map[string]string{"department": "eng", "level": "l5"}}

	assert.True(t, Evaluate(c, Context{Attributes: map[string]string{"department": "eng", "level": "l5"}}, log))
	assert.False(t, Evaluate(c, Context{Attributes: map[string]string{"department": "eng"}}, log))
	assert.False(t, Evaluate(c, Context{}, log))
}

func TestEvaluate_TimeWindow(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	noon := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	c := &Conditions{TimeWindow: &TimeWindow{Start: "09:00", End: "17:00"}}
	assert.True(t, Evaluate(c, Context{Now: noon}, log))

	outside := time.Date(2026, 7, 31, 20, 0, 0, 0, time.UTC)
	assert.False(t, Evaluate(c, Context{Now: outside}, log))
}

func TestEvaluate_TimeWindowWrapsMidnight(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := &Conditions{TimeWindow: &TimeWindow{Start: "22:00", End: "06:00"}}

	lateNight := time.Date(2026, 7, 31, 23, 30, 0, 0, time.UTC)
	assert.True(t, Evaluate(c, Context{Now: lateNight}, log))

	earlyMorning := time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC)
	assert.True(t, Evaluate(c, Context{Now: earlyMorning}, log))

	midday := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	assert.False(t, Evaluate(c, Context{Now: midday}, log))
}

func TestEvaluate_MalformedTimeWindowDenies(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := &Conditions{TimeWindow: &TimeWindow{Start: "garbage", End: "17:00"}}
	assert.False(t, Evaluate(c, Context{Now: time.Now()}, log))
}

func TestEvaluate_AllPredicatesANDTogether(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := &Conditions{
		AllowedIPs:     []string{"10.0.0.0/8"},
		AllowedDevices: []string{"laptop"},
	}
	assert.True(t, Evaluate(c, Context{IP: "10.0.0.1", Device: "laptop"}, log))
	assert.False(t, Evaluate(c, Context{IP: "10.0.0.1", Device: "phone"}, log))
}
