package common

import (
	"fmt"
	"runtime"
	"strings"
)

// Frame is a single resolved stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

func (f Frame) String() string {
	return fmt.Sprintf("%s\n\t%s:%d", f.Function, f.File, f.Line)
}

// CaptureFrames resolves the current goroutine's stack, skipping skip
// frames above the caller. Called from a deferred recover it includes the
// frames that panicked.
func CaptureFrames(skip int) []Frame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []Frame
	for {
		fr, more := frames.Next()
		out = append(out, Frame{Function: fr.Function, File: fr.File, Line: fr.Line})
		if !more {
			break
		}
	}
	return out
}

// FilterFrames drops frames that belong to the Go runtime, the standard
// library, or third-party modules, keeping only frames whose function lives
// under one of the given module prefixes. With no prefixes, only runtime and
// standard library frames are dropped.
func FilterFrames(frames []Frame, modulePrefixes ...string) []Frame {
	var out []Frame
	for _, f := range frames {
		if isLibraryFrame(f, modulePrefixes) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isLibraryFrame(f Frame, modulePrefixes []string) bool {
	if f.Function == "" {
		return true
	}
	if len(modulePrefixes) > 0 {
		for _, p := range modulePrefixes {
			if strings.HasPrefix(f.Function, p) {
				return false
			}
		}
		return true
	}
	// Standard library packages have no dot in their first path element.
	pkg := f.Function
	if i := strings.Index(pkg, "/"); i >= 0 {
		pkg = pkg[:i]
	} else if i := strings.Index(pkg, "."); i >= 0 {
		pkg = pkg[:i]
	}
	if pkg == "main" {
		return false
	}
	return !strings.Contains(pkg, ".")
}

// FormatFrames renders frames one per line-pair, in the layout of a Go
// panic trace.
func FormatFrames(frames []Frame) string {
	if len(frames) == 0 {
		return "(no application frames)"
	}
	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	return b.String()
}
