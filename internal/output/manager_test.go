package output

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManagerSummary(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(&buf)
	assert.False(t, m.interactive)
	m.StartDisplay()

	ok := m.Register("reel-1.mp4")
	bad := m.Register("reel-2.mp4")
	waiting := m.Register("reel-3.mp4")
	m.SetMessage(ok, "Fetching reel-1.mp4")
	m.SetProgress(ok, 50, 100, 1024)
	m.Complete(ok, "")
	m.SetMessage(bad, "Fetching reel-2.mp4")
	m.ReportError(bad, errors.New("3 chunks failed"))
	m.ReportError(99, errors.New("ignored"))

	succeeded, failed := m.Counts()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, waiting)

	m.StopDisplay()
	m.StopDisplay()
	out := buf.String()
	assert.Contains(t, out, "Completed reel-1.mp4")
	assert.Contains(t, out, "Failed reel-2.mp4")
	assert.Contains(t, out, "Waiting...")
	assert.Contains(t, out, "Completed 1 of 3")
	assert.Contains(t, out, "Failed 1 of 3")
	assert.Contains(t, out, "3 chunks failed")
}

func TestProgressBar(t *testing.T) {
	assert.Contains(t, ProgressBar(50, 100, 10), "50.0%")
	assert.Contains(t, ProgressBar(500, 100, 10), "100.0%")
	assert.Contains(t, ProgressBar(-5, 0, 0), "0.0%")
}

func TestFDetails(t *testing.T) {
	out := FDetails("Probe", [][2]string{{"Size", "1.00 MB"}, {"Ranges", "yes"}})
	assert.Contains(t, out, "Probe")
	assert.Contains(t, out, "1.00 MB")
	assert.Contains(t, out, "Ranges")
}

func TestTableFormat(t *testing.T) {
	tbl := NewTable("#", "Range")
	tbl.AddRow("0", "0-1023")
	tbl.AddRow("1", "1024-1535")
	out := tbl.Format(true)
	assert.Contains(t, out, "Range")
	assert.Contains(t, out, "1024-1535")
	assert.Contains(t, out, "|")
}
