package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/reelfetch/internal/utils"
)

type fetchStatus string

const (
	statusPending fetchStatus = "pending"
	statusActive  fetchStatus = "active"
	statusSuccess fetchStatus = "success"
	statusError   fetchStatus = "error"
)

type fetchOutput struct {
	ID          int
	Label       string
	Status      fetchStatus
	Message     string
	Progress    string
	StartTime   time.Time
	LastUpdated time.Time
	Err         error
}

// Manager draws one line per fetch of a batch and repaints them in place
// while the batch runs. On a non-terminal writer it only prints the final
// state.
type Manager struct {
	mu          sync.RWMutex
	out         io.Writer
	outputs     []*fetchOutput
	numLines    int
	interactive bool
	displayTick time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
	stopOnce    sync.Once
}

func NewManager(out io.Writer) *Manager {
	return &Manager{
		out:         out,
		interactive: IsTerminal(out),
		displayTick: 300 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

func (m *Manager) get(id int) *fetchOutput {
	if id < 1 || id > len(m.outputs) {
		return nil
	}
	return m.outputs[id-1]
}

// Register adds a fetch and returns its id.
func (m *Manager) Register(label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.outputs = append(m.outputs, &fetchOutput{
		ID:          len(m.outputs) + 1,
		Label:       label,
		Status:      statusPending,
		StartTime:   now,
		LastUpdated: now,
	})
	return len(m.outputs)
}

func (m *Manager) SetMessage(id int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info := m.get(id); info != nil {
		if info.Status == statusPending {
			info.Status = statusActive
			info.StartTime = time.Now()
		}
		info.Message = message
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) SetProgress(id int, downloaded, total int64, bytesPerSecond float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info := m.get(id); info != nil {
		info.Progress = fmt.Sprintf("%s %s %s", ProgressBar(downloaded, total, 30), StyleSymbols["bullet"], utils.FormatSpeed(bytesPerSecond))
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) Complete(id int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info := m.get(id); info != nil {
		if message == "" {
			message = fmt.Sprintf("Completed %s", info.Label)
		}
		info.Message = message
		info.Progress = ""
		info.Status = statusSuccess
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) ReportError(id int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info := m.get(id); info != nil {
		info.Status = statusError
		info.Err = err
		info.Message = fmt.Sprintf("Failed %s", info.Label)
		info.Progress = ""
		info.LastUpdated = time.Now()
	}
}

// Counts returns how many fetches succeeded and failed so far.
func (m *Manager) Counts() (succeeded, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, info := range m.outputs {
		switch info.Status {
		case statusSuccess:
			succeeded++
		case statusError:
			failed++
		}
	}
	return succeeded, failed
}

func statusIndicator(status fetchStatus) string {
	switch status {
	case statusSuccess:
		return successStyle.Render(StyleSymbols["pass"])
	case statusError:
		return errorStyle.Render(StyleSymbols["fail"])
	case statusPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) renderLines(limit int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var lines []string
	for _, info := range m.outputs {
		if limit > 0 && len(lines) >= limit {
			break
		}
		elapsed := time.Since(info.StartTime).Round(time.Second)
		if info.Status == statusSuccess || info.Status == statusError {
			elapsed = info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		}
		message := info.Message
		if info.Status == statusPending {
			message = "Waiting..."
		}
		var styled string
		switch info.Status {
		case statusSuccess:
			styled = successStyle.Render(message)
		case statusError:
			styled = errorStyle.Render(message)
		default:
			styled = pendingStyle.Render(message)
		}
		lines = append(lines, fmt.Sprintf("  %s %s %s", statusIndicator(info.Status), debugStyle.Render(elapsed.String()), styled))
		if info.Progress != "" && (limit <= 0 || len(lines) < limit) {
			lines = append(lines, "      "+debugStyle.Render(info.Progress))
		}
	}
	return lines
}

func (m *Manager) updateDisplay() {
	lines := m.renderLines(terminalHeight(m.out) - 3)
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	if !m.interactive {
		return
	}
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				return
			}
		}
	}()
}

// StopDisplay paints the final state once and prints the summary.
func (m *Manager) StopDisplay() {
	m.stopOnce.Do(func() {
		close(m.doneCh)
		m.displayWg.Wait()
		if m.interactive {
			m.updateDisplay()
		} else {
			for _, line := range m.renderLines(0) {
				fmt.Fprintln(m.out, line)
			}
		}
		m.showSummary()
	})
}

func (m *Manager) showSummary() {
	succeeded, failed := m.Counts()
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := len(m.outputs)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+summaryStyle.Render(fmt.Sprintf("Completed %d of %d", succeeded, total)))
	if failed == 0 {
		return
	}
	fmt.Fprintln(m.out, "  "+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, total)))
	fmt.Fprintln(m.out, "  "+errorStyle.Bold(true).Render("Errors:"))
	n := 0
	for _, info := range m.outputs {
		if info.Status != statusError {
			continue
		}
		n++
		fmt.Fprintf(m.out, "%s%s %s\n", strings.Repeat(" ", 4), errorStyle.Render(fmt.Sprintf("%d.", n)), errorStyle.Render(info.Label))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 6), errorStyle.Render(fmt.Sprintf("Error: %v", info.Err)))
	}
}
