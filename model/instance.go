package model

import (
	"strings"
	"time"
)

// Status values reported by the instance service. Comparisons are
// case-insensitive; use StatusIs.
const (
	StatusRunning    = "running"
	StatusInProgress = "in progress"
	StatusCompleted  = "completed"
	StatusSuccessful = "successful"
	StatusFaulted    = "faulted"
	StatusFailed     = "failed"
	StatusPending    = "pending"
	StatusCancelled  = "cancelled"
)

// StatusIs reports whether status case-insensitively equals any of want.
func StatusIs(status string, want ...string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}

// ProcessInstance is a snapshot of one execution run as returned by the
// instance service.
type ProcessInstance struct {
	InstanceID          string     `json:"instanceId"`
	InstanceDisplayName string     `json:"instanceDisplayName,omitempty"`
	PackageID           string     `json:"packageId"`
	PackageVersion      string     `json:"packageVersion,omitempty"`
	ProcessKey          string     `json:"processKey,omitempty"`
	FolderKey           string     `json:"folderKey"`
	LatestRunStatus     string     `json:"latestRunStatus"`
	StartedByUser       string     `json:"startedByUser"`
	StartedTime         time.Time  `json:"startedTime"`
	CompletedTime       *time.Time `json:"completedTime,omitempty"`
}

// IsFaulted reports whether the instance's latest run faulted.
func (p ProcessInstance) IsFaulted() bool {
	return StatusIs(p.LatestRunStatus, StatusFaulted)
}

// ProcessDefinition is a process summary with aggregate instance counts.
type ProcessDefinition struct {
	ProcessKey     string `json:"processKey"`
	PackageID      string `json:"packageId"`
	Name           string `json:"name,omitempty"`
	FolderKey      string `json:"folderKey,omitempty"`
	VersionCount   int    `json:"versionCount"`
	RunningCount   int    `json:"runningCount"`
	CompletedCount int    `json:"completedCount"`
	FaultedCount   int    `json:"faultedCount"`
	PendingCount   int    `json:"pendingCount"`
	PausedCount    int    `json:"pausedCount"`
	CancelledCount int    `json:"cancelledCount"`
}

// Total is the number of running, completed, faulted, and pending instances.
// Paused and cancelled instances are reported separately.
func (d ProcessDefinition) Total() int {
	return d.RunningCount + d.CompletedCount + d.FaultedCount + d.PendingCount
}

// InstanceQuery selects one page of instances.
type InstanceQuery struct {
	PageSize  int
	Cursor    string
	PackageID string
}

// InstancePage is one cursor-paginated page of instances. Cursors are opaque
// tokens issued by the instance service.
type InstancePage struct {
	Items          []ProcessInstance `json:"items"`
	HasNextPage    bool              `json:"hasNextPage"`
	NextCursor     string            `json:"nextCursor,omitempty"`
	PreviousCursor string            `json:"previousCursor,omitempty"`
	TotalCount     int               `json:"totalCount,omitempty"`
	CurrentPage    int               `json:"currentPage,omitempty"`
}

// HasPreviousPage reports whether a previous cursor was issued.
func (p InstancePage) HasPreviousPage() bool {
	return p.PreviousCursor != ""
}

// CancelResult is the instance service's answer to a cancel request.
type CancelResult struct {
	Success    bool   `json:"success"`
	InstanceID string `json:"instanceId,omitempty"`
	Status     string `json:"status,omitempty"`
}
