package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/nhle/bookpipe/internal/model"
	"github.com/nhle/bookpipe/internal/store"
	"github.com/nhle/bookpipe/internal/theme"
)

// runHistory prints the most recent units recorded in the ledger.
func runHistory(ctx context.Context, cfg *model.AppConfig, limit int, w io.Writer) error {
	if cfg.Store.Path == "" {
		return errors.New("history needs the ledger; set store.path")
	}

	ledger, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ledger.Close()

	units, err := ledger.RecentUnits(ctx, limit)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, renderHistory(units))
	return err
}

func renderHistory(units []model.UnitSummary) string {
	title := theme.HeaderStyle.Render("Processed documents")
	if len(units) == 0 {
		return title + "\n" + theme.HelpStyle.Render("nothing processed yet")
	}

	var taskNames []string
	seen := map[string]bool{}
	for _, u := range units {
		for _, o := range u.Outcomes {
			if !seen[o.Task] {
				seen[o.Task] = true
				taskNames = append(taskNames, o.Task)
			}
		}
	}

	headers := append([]string{"When", "Document", "File"}, taskNames...)

	rows := make([][]string, 0, len(units))
	statuses := make([][]model.TaskStatus, 0, len(units))
	for _, u := range units {
		byTask := make(map[string]model.TaskOutcome, len(u.Outcomes))
		for _, o := range u.Outcomes {
			byTask[o.Task] = o
		}

		row := []string{u.CreatedAt.Local().Format("2006-01-02 15:04"), u.Name, u.SourceFilename}
		rowStatus := make([]model.TaskStatus, len(taskNames))
		for i, name := range taskNames {
			o, ok := byTask[name]
			if !ok {
				row = append(row, "-")
				continue
			}
			row = append(row, o.String())
			rowStatus[i] = o.Status
		}
		rows = append(rows, row)
		statuses = append(statuses, rowStatus)
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(theme.BorderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.TableHeaderStyle
			}
			if col >= 3 && row >= 0 && row < len(statuses) {
				return theme.StatusStyle(statuses[row][col-3]).Padding(0, 1)
			}
			return theme.CellStyle
		})

	return strings.Join([]string{title, t.Render()}, "\n")
}
