package tui

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/kylemclaren/claude-goals/internal/db"
)

const statusCol = 1

// TaskTable renders tasks as a static table for command-line output.
func TaskTable(tasks []*db.Task) string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		next := "-"
		if t.NextRunAfter != nil {
			next = formatTime(*t.NextRunAfter)
		}
		rows = append(rows, []string{
			t.ID,
			string(t.Status),
			strconv.Itoa(t.Priority),
			fmt.Sprintf("%.0f%%", t.Progress.CoverageEstimate*100),
			fmt.Sprintf("%d/%d", t.IterationsUsed, t.MaxIterations),
			next,
			truncate(t.Goal, 60),
		})
	}

	cell := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(dimTextColor)).
		Headers("ID", "STATUS", "PRI", "COVERAGE", "ITER", "NEXT RUN", "GOAL").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return cell.Foreground(accentColor).Bold(true)
			case col == statusCol && row < len(tasks):
				return statusStyle(tasks[row].Status).Padding(0, 1)
			}
			return cell
		}).
		Render()
}
