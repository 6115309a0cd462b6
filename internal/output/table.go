package output

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

type Table struct {
	Headers []string
	Rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Format renders the table, with a markdown border when useMarkdown is set.
func (t *Table) Format(useMarkdown bool) string {
	tbl := table.New().Headers(t.Headers...).StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)
		}
		return lipgloss.NewStyle().Padding(0, 1)
	})
	for _, row := range t.Rows {
		tbl.Row(row...)
	}
	if useMarkdown {
		tbl = tbl.Border(lipgloss.MarkdownBorder())
	}
	return tbl.String()
}

func (t *Table) Print(useMarkdown bool) {
	fmt.Println(t.Format(useMarkdown))
}
