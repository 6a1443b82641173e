package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/harrison/seqbench/internal/models"
)

// ProgressBar renders step completion as "[====      ] 12/24 (50%)".
type ProgressBar struct {
	current     int
	failed      int
	total       int
	width       int
	enableColor bool
	mu          sync.RWMutex
}

// NewProgressBar creates a new progress bar
func NewProgressBar(total, width int, enableColor bool) *ProgressBar {
	if width < 1 {
		width = 10
	}
	return &ProgressBar{total: total, width: width, enableColor: enableColor}
}

// Update sets the progress from a run snapshot.
func (pb *ProgressBar) Update(p models.RunProgress) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current = p.Completed + p.Failed
	pb.failed = p.Failed
	pb.total = p.TotalSteps
}

// Percentage returns the progress percentage (0-100)
func (pb *ProgressBar) Percentage() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.percentageLocked()
}

func (pb *ProgressBar) percentageLocked() int {
	if pb.total <= 0 {
		return 0
	}
	perc := (pb.current * 100) / pb.total
	if perc > 100 {
		perc = 100
	}
	if perc < 0 {
		perc = 0
	}
	return perc
}

// Render generates the ASCII progress bar string
func (pb *ProgressBar) Render() string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	perc := pb.percentageLocked()
	filled := (perc * pb.width) / 100

	var sb strings.Builder
	sb.WriteByte('[')
	sb.WriteString(strings.Repeat("=", filled))
	sb.WriteString(strings.Repeat(" ", pb.width-filled))
	sb.WriteByte(']')
	result := fmt.Sprintf("%s %d/%d (%d%%)", sb.String(), pb.current, pb.total, perc)

	if !pb.enableColor {
		return result
	}
	switch {
	case pb.failed > 0:
		return color.New(color.FgYellow).Sprint(result)
	case perc == 100:
		return color.New(color.FgGreen).Sprint(result)
	default:
		return color.New(color.FgCyan).Sprint(result)
	}
}
