package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl0ve/uipath-process-app-training/model"
)

// fakeCloud serves the token endpoint and the tenant-scoped vendor API.
type fakeCloud struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []map[string]any
}

func (f *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Method == http.MethodPost && strings.Contains(r.Header.Get("Content-Type"), "json") {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/identity_/connect/token":
		_, _ = io.WriteString(w, `{"access_token":"robot-token","token_type":"Bearer","expires_in":3600}`)
	case "/acme/default/pims_/api/v1/processes/summary":
		_, _ = io.WriteString(w, `[{"processKey":"k1","packageId":"Invoice.Approval","faultedCount":1}]`)
	case "/acme/default/pims_/api/v1/instances":
		_, _ = io.WriteString(w, `{"items":[{"instanceId":"i-1","folderKey":"f-1","packageId":"Invoice.Approval",
			"latestRunStatus":"Faulted","startedByUser":"ada@example.com","startedTime":"2026-10-01T08:00:00Z"}],
			"hasNextPage":false}`)
	case "/acme/default/pims_/api/v1/instances/i-1/cancel":
		_, _ = io.WriteString(w, `{"success":true,"instanceId":"i-1","status":"Cancelled"}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeCloud) last() (*http.Request, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func runCLI(t *testing.T, args ...string) (*fakeCloud, string, error) {
	t.Helper()
	cloud := &fakeCloud{}
	server := httptest.NewServer(cloud)
	t.Cleanup(server.Close)

	var out bytes.Buffer
	base := []string{"maestroctl",
		"--base-url", server.URL,
		"--org", "acme",
		"--tenant", "default",
		"--client-id", "robot",
		"--client-secret", "secret",
	}
	err := newApp(&out).Run(context.Background(), append(base, args...))
	return cloud, out.String(), err
}

func TestProcesses(t *testing.T) {
	cloud, out, err := runCLI(t, "processes")
	require.NoError(t, err)

	var defs []model.ProcessDefinition
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, "Invoice.Approval", defs[0].PackageID)

	req, _ := cloud.last()
	assert.Equal(t, "Bearer robot-token", req.Header.Get("Authorization"))
}

func TestInstances(t *testing.T) {
	cloud, out, err := runCLI(t, "instances", "--process", "Invoice.Approval", "--page-size", "10")
	require.NoError(t, err)

	var page model.InstancePage
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Items, 1)
	assert.True(t, page.Items[0].IsFaulted())

	req, _ := cloud.last()
	assert.Equal(t, "10", req.URL.Query().Get("pageSize"))
	assert.Equal(t, "Invoice.Approval", req.URL.Query().Get("packageId"))
}

func TestCancel_defaultComment(t *testing.T) {
	cloud, out, err := runCLI(t, "cancel", "--folder", "f-1", "i-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"success": true`)

	req, body := cloud.last()
	assert.Equal(t, "f-1", req.Header.Get("X-UIPATH-FolderKey"))
	assert.Equal(t, "Cancelled from UI", body["comment"])
}

func TestDetail_requiresInstance(t *testing.T) {
	_, _, err := runCLI(t, "detail", "--folder", "f-1")
	assert.ErrorContains(t, err, "instance id is required")
}

func TestSetup_requiresTenant(t *testing.T) {
	t.Setenv("MAESTRO_ORG_NAME", "")
	t.Setenv("MAESTRO_TENANT_NAME", "")
	err := newApp(io.Discard).Run(context.Background(), []string{"maestroctl", "--client-id", "robot", "processes"})
	assert.ErrorContains(t, err, "org, tenant and client id are required")
}
