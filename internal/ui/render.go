package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/board"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/transport"
)

var (
	dayHeader     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	deliveredDay  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	pendingMarker = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("…")
)

// RenderTable renders records as a table with the given columns. An empty
// column list uses every known column.
func RenderTable(records []schema.Record, columns []string) string {
	if len(columns) == 0 {
		columns = schema.Columns
	}
	headers := append([]string{"#"}, columns...)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return boldStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, rec := range records {
		row := make([]string, 0, len(headers))
		row = append(row, rec.ID)
		for _, c := range columns {
			row = append(row, rec.Fields.Value(c))
		}
		t.Row(row...)
	}
	return t.Render()
}

// RenderBoard renders the day columns top to bottom. pending marks records
// showing the transient pending indicator.
func RenderBoard(b board.Board, pending func(id string) bool) string {
	var sb strings.Builder
	for _, day := range b.Days {
		style := dayHeader
		mark := ""
		if day.AllDelivered {
			style = deliveredDay
			mark = " ✓"
		}
		fmt.Fprintf(&sb, "%s %s  %s%s\n",
			style.Render(day.Weekday()),
			style.Render(day.Key()),
			RenderMuted(board.FormatArea(day.TotalArea)+" м²"),
			mark)
		if len(day.Records) == 0 {
			sb.WriteString(RenderMuted("  —") + "\n")
			continue
		}
		for _, rec := range day.Records {
			sb.WriteString("  " + renderCard(rec, pending) + "\n")
		}
	}
	if len(b.Unscheduled) > 0 {
		fmt.Fprintf(&sb, "%s\n", dayHeader.Render("Без даты"))
		for _, rec := range b.Unscheduled {
			sb.WriteString("  " + renderCard(rec, pending) + "\n")
		}
	}
	if b.Outside > 0 {
		sb.WriteString(RenderMuted(fmt.Sprintf("(%d earlier order(s) not shown)", b.Outside)) + "\n")
	}
	return sb.String()
}

func renderCard(rec schema.Record, pending func(id string) bool) string {
	f := rec.Fields
	parts := []string{RenderBold("№" + orDash(f.Value(schema.FieldOrderNumber)))}
	if c := f.Value(schema.FieldClient); c != "" {
		parts = append(parts, c)
	}
	if m := f.Value(schema.FieldMilling); m != "" {
		parts = append(parts, m)
	}
	if a := f.Value(schema.FieldArea); a != "" {
		parts = append(parts, board.FormatArea(board.ParseArea(a))+" м²")
	}
	line := strings.Join(parts, " · ")

	status := f.Value(schema.FieldStatus)
	switch {
	case schema.IsDelivered(status):
		line += " " + RenderPass("["+status+"]")
		if d := f.Value(schema.FieldDeliveryDate); d != "" {
			line += " " + RenderMuted(d)
		}
	case status != "" && status != "-":
		line += " " + RenderWarn("["+status+"]")
	}
	line = RenderMuted(rec.ID+".") + " " + line
	if pending != nil && pending(rec.ID) {
		line += " " + pendingMarker
	}
	return line
}

// RenderState renders a transport state for status lines.
func RenderState(s transport.State) string {
	switch s {
	case transport.StatePushConnected:
		return RenderPass(s.String())
	case transport.StatePushReconnecting, transport.StateAttemptingPush:
		return RenderWarn(s.String())
	case transport.StatePushDisabled:
		return RenderMuted(s.String())
	default:
		return RenderAccent(s.String())
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
