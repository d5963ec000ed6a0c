// Package format renders instance data for display: status badges, durations,
// process names, and embeddable task links.
package format

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/rl0ve/uipath-process-app-training/model"
)

// Badge classes by status family.
const (
	ClassBlue   = "bg-blue-100 text-blue-800"
	ClassGreen  = "bg-green-100 text-green-800"
	ClassRed    = "bg-red-100 text-red-800"
	ClassYellow = "bg-yellow-100 text-yellow-800"
	ClassGray   = "bg-gray-100 text-gray-800"
)

// StatusClass returns the badge class for an instance status.
func StatusClass(status string) string {
	switch strings.ToLower(status) {
	case "running":
		return ClassBlue
	case "completed", "successful":
		return ClassGreen
	case "faulted", "failed":
		return ClassRed
	case "pending", "waiting":
		return ClassYellow
	default:
		return ClassGray
	}
}

// ProcessBorderClass returns the card accent for a process summary.
func ProcessBorderClass(def model.ProcessDefinition) string {
	switch {
	case def.FaultedCount > 0:
		return "border-l-rose-500"
	case def.RunningCount > 0:
		return "border-l-amber-500"
	case def.CompletedCount > 0:
		return "border-l-emerald-500"
	default:
		return "border-l-slate-300"
	}
}

// FormatDuration renders the elapsed time between start and end. A nil end
// means the run is still going and now is used instead.
func FormatDuration(start time.Time, end *time.Time, now time.Time) string {
	stop := now
	if end != nil {
		stop = *end
	}
	ms := stop.Sub(start).Milliseconds()

	seconds := floorDiv(ms, 1000)
	minutes := floorDiv(seconds, 60)
	hours := floorDiv(minutes, 60)
	days := floorDiv(hours, 24)

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours%24, minutes%60)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

var camelBoundary = regexp.MustCompile(`([a-z])([A-Z])`)

// FormatProcessName turns a package id such as "Invoice.Approval_flowV2"
// into a title-cased display name.
func FormatProcessName(packageID string) string {
	s := strings.ReplaceAll(packageID, ".", " ")
	s = strings.ReplaceAll(s, "_", " ")
	s = camelBoundary.ReplaceAllString(s, "$1 $2")

	words := strings.Split(s, " ")
	for i, w := range words {
		words[i] = titleWord(w)
	}
	return strings.Join(words, " ")
}

func titleWord(w string) string {
	if w == "" {
		return w
	}
	r, size := utf8.DecodeRuneInString(w)
	return string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
}

// EmbedTaskURL converts an action-center task link into its embeddable form:
// <origin>/embed_/<org>/<tenant>/actions_/current-task/tasks/<taskId>.
// Links that cannot be parsed are returned unchanged.
func EmbedTaskURL(taskURL string) string {
	u, err := url.Parse(taskURL)
	if err == nil && (u.Scheme == "" || u.Host == "") {
		err = fmt.Errorf("not an absolute URL")
	}
	if err != nil {
		zap.L().Warn("format: cannot parse task URL", zap.String("url", taskURL), zap.Error(err))
		return taskURL
	}

	parts := strings.Split(u.EscapedPath(), "/")
	org := segment(parts, 1)
	tenant := segment(parts, 2)
	taskID := parts[len(parts)-1]

	origin := u.Scheme + "://" + u.Host
	return fmt.Sprintf("%s/embed_/%s/%s/actions_/current-task/tasks/%s", origin, org, tenant, taskID)
}

func segment(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}
