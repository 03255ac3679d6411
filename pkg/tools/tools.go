// Package tools provides the built-in tool plugins the agent registers
// by default: current date/time and basic system information.
package tools

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
	"time"

	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
)

// Declarations returns the built-in tool set, ready to pass to
// LLMProvider.SetTools alongside Executor.
func Declarations() []orchestrator.ToolDeclaration {
	return []orchestrator.ToolDeclaration{
		{
			Name:        "get_current_datetime",
			Description: "Returns the current local date and time. Use this when the user asks what time or day it is.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
				"required":   []string{},
			},
		},
		{
			Name:        "get_system_info",
			Description: "Returns information about the host system: OS, CPU architecture, and disk space. Use this when the user asks about their computer.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
				"required":   []string{},
			},
		},
	}
}

// Executor dispatches a tool call by name to its implementation. It
// matches the orchestrator.ToolExecutor signature.
func Executor(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	switch name {
	case "get_current_datetime":
		return currentDateTime(), nil
	case "get_system_info":
		return systemInfo(), nil
	default:
		return "", orchestrator.ErrToolNotFound
	}
}

func currentDateTime() string {
	now := time.Now()
	return now.Format("Monday, January 2, 2006 at 15:04:05 MST")
}

func systemInfo() string {
	info := fmt.Sprintf("OS: %s (%s). CPUs: %d.", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	if free, total, err := diskUsage("/"); err == nil {
		freeGB := float64(free) / (1 << 30)
		totalGB := float64(total) / (1 << 30)
		info += fmt.Sprintf(" Disk: %.1f GB free of %.1f GB.", freeGB, totalGB)
	}
	return info
}

func diskUsage(path string) (free, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), stat.Blocks * uint64(stat.Bsize), nil
}
