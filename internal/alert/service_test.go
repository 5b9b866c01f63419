package alert

import (
	"strings"
	"testing"
	"time"
)

func TestIsConfigured(t *testing.T) {
	cases := []struct {
		name       string
		config     Config
		recipients []string
		want       bool
	}{
		{"complete", Config{Host: "smtp.example.com", Port: "587", From: "ops@example.com"}, []string{"safety@example.com"}, true},
		{"no host", Config{Port: "587", From: "ops@example.com"}, []string{"safety@example.com"}, false},
		{"no recipients", Config{Host: "smtp.example.com", Port: "587", From: "ops@example.com"}, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewService(tc.config, tc.recipients)
			if got := s.IsConfigured(); got != tc.want {
				t.Fatalf("IsConfigured() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSendEmergencyFailsWhenUnconfigured(t *testing.T) {
	s := NewService(Config{}, nil)
	if err := s.SendEmergency(Emergency{UserName: "Pat"}); err == nil {
		t.Fatal("expected error when alerting is not configured")
	}
}

func TestEmergencyTemplateIncludesPosition(t *testing.T) {
	e := Emergency{
		UserID:    "u1",
		UserName:  "Pat",
		Message:   "injured on level 3",
		Latitude:  52.520008,
		Longitude: 13.404954,
		HasFix:    true,
		RaisedAt:  time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC),
	}
	html, err := renderTemplate(emergencyTemplate, e)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"Pat", "injured on level 3", "52.520008", "13.404954"} {
		if !strings.Contains(html, want) {
			t.Fatalf("rendered alert missing %q", want)
		}
	}
}

func TestEmergencyTemplateOmitsPositionWithoutFix(t *testing.T) {
	html, err := renderTemplate(emergencyTemplate, Emergency{UserName: "Pat", RaisedAt: time.Now()})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(html, "Last known position") {
		t.Fatal("position line should be omitted when there is no GPS fix")
	}
}
