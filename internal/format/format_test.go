package format

import (
	"testing"
	"time"

	"github.com/rl0ve/uipath-process-app-training/model"
)

func TestStatusClass(t *testing.T) {
	tests := map[string]string{
		"Running":    ClassBlue,
		"completed":  ClassGreen,
		"SUCCESSFUL": ClassGreen,
		"Faulted":    ClassRed,
		"failed":     ClassRed,
		"pending":    ClassYellow,
		"Waiting":    ClassYellow,
		"cancelled":  ClassGray,
		"canceled":   ClassGray,
		"paused":     ClassGray,
		"":           ClassGray,
	}
	for status, want := range tests {
		if got := StatusClass(status); got != want {
			t.Errorf("StatusClass(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestProcessBorderClass(t *testing.T) {
	tests := []struct {
		def  model.ProcessDefinition
		want string
	}{
		{model.ProcessDefinition{FaultedCount: 1, RunningCount: 3}, "border-l-rose-500"},
		{model.ProcessDefinition{RunningCount: 3, CompletedCount: 1}, "border-l-amber-500"},
		{model.ProcessDefinition{CompletedCount: 1}, "border-l-emerald-500"},
		{model.ProcessDefinition{}, "border-l-slate-300"},
	}
	for _, tt := range tests {
		if got := ProcessBorderClass(tt.def); got != tt.want {
			t.Errorf("ProcessBorderClass(%+v) = %q, want %q", tt.def, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		end := start.Add(d)
		return &end
	}

	tests := []struct {
		name string
		end  *time.Time
		want string
	}{
		{"seconds", at(42 * time.Second), "42s"},
		{"sub-second", at(999 * time.Millisecond), "0s"},
		{"minutes", at(3*time.Minute + 5*time.Second), "3m 5s"},
		{"hours", at(2*time.Hour + 7*time.Minute + 59*time.Second), "2h 7m"},
		{"days", at(49*time.Hour + 30*time.Minute), "2d 1h 30m"},
		{"exact hour", at(time.Hour), "1h 0m"},
		{"negative", at(-500 * time.Millisecond), "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDuration(start, tt.end, time.Time{}); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("running uses now", func(t *testing.T) {
		now := start.Add(90 * time.Second)
		if got := FormatDuration(start, nil, now); got != "1m 30s" {
			t.Errorf("got %q, want 1m 30s", got)
		}
	})
}

func TestFormatProcessName(t *testing.T) {
	tests := map[string]string{
		"Invoice.Approval":        "Invoice Approval",
		"loan_request_flow":       "Loan Request Flow",
		"purchaseOrderApproval":   "Purchase Order Approval",
		"HR.onboardingProcess_v2": "Hr Onboarding Process V2",
		"a..b":                    "A  B",
		"":                        "",
	}
	for in, want := range tests {
		if got := FormatProcessName(in); got != want {
			t.Errorf("FormatProcessName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbedTaskURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"https://cloud.uipath.com/acme/DefaultTenant/actions_/tasks/12345",
			"https://cloud.uipath.com/embed_/acme/DefaultTenant/actions_/current-task/tasks/12345",
		},
		{
			"https://alpha.example.com:8443/org/tenant/x/y/987",
			"https://alpha.example.com:8443/embed_/org/tenant/actions_/current-task/tasks/987",
		},
		{
			"https://cloud.uipath.com/my%20org/DefaultTenant/actions_/tasks/a%2Fb",
			"https://cloud.uipath.com/embed_/my%20org/DefaultTenant/actions_/current-task/tasks/a%2Fb",
		},
		{"not a url", "not a url"},
		{"/relative/path/1", "/relative/path/1"},
	}
	for _, tt := range tests {
		if got := EmbedTaskURL(tt.in); got != tt.want {
			t.Errorf("EmbedTaskURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
