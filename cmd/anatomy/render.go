// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/scheduler"
)

// Palette adapts to terminal capabilities via lipgloss.
var (
	colorGreen   = lipgloss.Color("42")
	colorRed     = lipgloss.Color("196")
	colorYellow  = lipgloss.Color("214")
	colorCyan    = lipgloss.Color("51")
	colorMagenta = lipgloss.Color("201")
	colorDim     = lipgloss.Color("240")
)

// styles groups every style the CLI renders with. The plain set has no
// properties so output piped to a file carries no escape codes.
type styles struct {
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Error     lipgloss.Style
	CallStack lipgloss.Style
	Micro     lipgloss.Style
	Macro     lipgloss.Style
	Log       lipgloss.Style
	Phase     lipgloss.Style
}

func colorStyles() styles {
	return styles{
		Header:    lipgloss.NewStyle().Bold(true).Foreground(colorCyan),
		Dim:       lipgloss.NewStyle().Foreground(colorDim),
		Error:     lipgloss.NewStyle().Bold(true).Foreground(colorRed),
		CallStack: lipgloss.NewStyle().Foreground(colorGreen),
		Micro:     lipgloss.NewStyle().Foreground(colorMagenta),
		Macro:     lipgloss.NewStyle().Foreground(colorYellow),
		Log:       lipgloss.NewStyle(),
		Phase:     lipgloss.NewStyle().Bold(true).Foreground(colorCyan),
	}
}

func plainStyles() styles {
	plain := lipgloss.NewStyle()
	return styles{
		Header: plain, Dim: plain, Error: plain, CallStack: plain,
		Micro: plain, Macro: plain, Log: plain, Phase: plain,
	}
}

// stylesFor picks colored styles only when w is a terminal.
func stylesFor(w io.Writer) styles {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return colorStyles()
	}
	return plainStyles()
}

// category returns the style for a task category.
func (s styles) category(c flow.Category) lipgloss.Style {
	switch c {
	case flow.CategoryMicroTask:
		return s.Micro
	case flow.CategoryMacroTask:
		return s.Macro
	default:
		return s.CallStack
	}
}

// planColumns are the headings of the plan table.
var planColumns = []string{"#", "CATEGORY", "ID", "PARENT", "CONTEXT", "NAME", "LINE", "ARGS"}

// writePlan renders plan as an aligned table.
func writePlan(w io.Writer, title string, plan flow.Plan, st styles) error {
	rows := make([][]string, 0, len(plan))
	for i, task := range plan {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			string(task.Category),
			dash(task.ID),
			dash(task.ParentID),
			string(task.RunContext),
			taskName(task),
			fmt.Sprintf("%d", task.Line),
			strings.Join(task.Args, ", "),
		})
	}

	widths := make([]int, len(planColumns))
	for i, col := range planColumns {
		widths[i] = len(col)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := lipgloss.Width(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var b strings.Builder
	if title != "" {
		b.WriteString(st.Header.Render(title))
		b.WriteByte('\n')
	}
	b.WriteString(st.Dim.Render(joinRow(planColumns, widths)))
	b.WriteByte('\n')
	for i, row := range rows {
		b.WriteString(st.category(plan[i].Category).Render(joinRow(row, widths)))
		b.WriteByte('\n')
	}
	counts := plan.CountByCategory()
	fmt.Fprintf(&b, "%s\n", st.Dim.Render(fmt.Sprintf("%d task(s): %d call stack, %d microtask, %d macrotask",
		len(plan), counts[flow.CategoryCallStack], counts[flow.CategoryMicroTask], counts[flow.CategoryMacroTask])))

	_, err := io.WriteString(w, b.String())
	return err
}

// taskName appends the phase or priority annotation to the task name.
func taskName(task flow.Task) string {
	switch {
	case task.Phase != "":
		return task.Name + " [" + task.Phase + "]"
	case task.Priority != "":
		return task.Name + " [" + task.Priority + "]"
	default:
		return task.Name
	}
}

func joinRow(cells []string, widths []int) string {
	padded := make([]string, len(cells))
	for i, cell := range cells {
		if i == len(cells)-1 {
			padded[i] = cell
			continue
		}
		padded[i] = cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
	}
	return strings.TrimRight(strings.Join(padded, "  "), " ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// queueLine renders a queue or stack as "NAME: [a, b]".
func queueLine(name string, tasks []flow.Task, st styles) string {
	labels := make([]string, len(tasks))
	for i, task := range tasks {
		labels[i] = st.category(task.Category).Render(task.Label())
	}
	return fmt.Sprintf("%-11s [%s]", name+":", strings.Join(labels, ", "))
}

// formatSnapshot renders one simulator snapshot.
func formatSnapshot(snap scheduler.Snapshot, st styles) string {
	var b strings.Builder

	head := fmt.Sprintf("step %d  %s  %s", snap.Step, snap.Phase, snap.Action)
	if snap.Task != nil {
		head += "  " + snap.Task.Label()
	}
	if snap.Scheduled > 0 {
		head += fmt.Sprintf("  (+%d)", snap.Scheduled)
	}
	b.WriteString(st.Phase.Render(head))
	b.WriteByte('\n')

	b.WriteString("  " + queueLine("stack", snap.CallStack, st) + "\n")
	b.WriteString("  " + queueLine("microtasks", snap.MicroQueue, st) + "\n")
	b.WriteString("  " + queueLine("macrotasks", snap.MacroQueue, st) + "\n")
	for _, line := range snap.Logs {
		b.WriteString("  " + st.Log.Render(line) + "\n")
	}
	return b.String()
}

// writeResult prints the final log and the execution order of a run.
func writeResult(w io.Writer, result *scheduler.Result, st styles) error {
	var b strings.Builder
	b.WriteString(st.Header.Render("Log"))
	b.WriteByte('\n')
	for _, line := range result.Logs {
		b.WriteString(st.Log.Render(line))
		b.WriteByte('\n')
	}

	b.WriteString(st.Header.Render("Execution order"))
	b.WriteByte('\n')
	for i, task := range result.Executed {
		fmt.Fprintf(&b, "%3d. %s\n", i+1, st.category(task.Category).Render(executedLabel(task)))
	}
	b.WriteString(st.Dim.Render(fmt.Sprintf("%d step(s)", result.Steps)))
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}

// executedLabel shows a task with its arguments, e.g. console.log("A").
func executedLabel(task flow.Task) string {
	label := task.Label()
	if len(task.Args) > 0 {
		label = task.Name + "(" + strings.Join(task.Args, ", ") + ")"
		if task.ID != "" {
			label += " (" + task.ID + ")"
		}
	}
	return label
}
