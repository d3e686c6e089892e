package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterFrames_DropsLibraryFrames(t *testing.T) {
	frames := []Frame{
		{Function: "runtime.gopanic", File: "/usr/local/go/src/runtime/panic.go", Line: 770},
		{Function: "github.com/yllada/sessionctl/session.(*Orchestrator).runActivity", File: "/src/session/orchestrator.go", Line: 210},
		{Function: "github.com/playwright-community/playwright-go.(*pageImpl).Goto", File: "/go/pkg/mod/page.go", Line: 12},
		{Function: "main.browseActivity", File: "/src/main.go", Line: 40},
		{Function: "testing.tRunner", File: "/usr/local/go/src/testing/testing.go", Line: 1690},
	}

	got := FilterFrames(frames, "github.com/yllada/sessionctl", "main.")
	require.Len(t, got, 2)
	assert.Equal(t, "github.com/yllada/sessionctl/session.(*Orchestrator).runActivity", got[0].Function)
	assert.Equal(t, "main.browseActivity", got[1].Function)
}

func TestFilterFrames_NoPrefixesDropsStdlibOnly(t *testing.T) {
	frames := []Frame{
		{Function: "runtime.gopanic"},
		{Function: "net/http.(*Client).Do"},
		{Function: "github.com/some/dep.Call"},
		{Function: "main.main"},
		{Function: ""},
	}

	got := FilterFrames(frames)
	require.Len(t, got, 2)
	assert.Equal(t, "github.com/some/dep.Call", got[0].Function)
	assert.Equal(t, "main.main", got[1].Function)
}

func TestCaptureFrames_IncludesCaller(t *testing.T) {
	frames := CaptureFrames(0)
	require.NotEmpty(t, frames)
	assert.True(t, strings.HasSuffix(frames[0].Function, "TestCaptureFrames_IncludesCaller"),
		"first frame should be the caller, got %s", frames[0].Function)
}

func TestFormatFrames(t *testing.T) {
	assert.Equal(t, "(no application frames)", FormatFrames(nil))

	out := FormatFrames([]Frame{{Function: "main.run", File: "/src/main.go", Line: 7}})
	assert.Equal(t, "main.run\n\t/src/main.go:7\n", out)
}
