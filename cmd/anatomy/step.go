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
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/donotdothat-lab/node-anatomy/services/anatomy/flow"
	"github.com/donotdothat-lab/node-anatomy/services/anatomy/scheduler"
)

var stepCmd = &cobra.Command{
	Use:   "step FILE",
	Short: "Step through a file's simulation interactively",
	Args:  cobra.ExactArgs(1),
	RunE:  runStep,
}

func runStep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc, closeSvc, err := newCLIService(cfg)
	if err != nil {
		return err
	}
	defer closeSvc()

	analysis, err := analyzeFile(ctx, svc, args[0])
	if err != nil {
		return err
	}

	m := newStepperModel(args[0], analysis.Plan, svc.NewSimulator())
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	return err
}

// stepKeyMap holds the stepper key bindings.
type stepKeyMap struct {
	Next  key.Binding
	Prev  key.Binding
	End   key.Binding
	Reset key.Binding
	Quit  key.Binding
}

var stepKeys = stepKeyMap{
	Next: key.NewBinding(
		key.WithKeys("right", "l", "n", " "),
		key.WithHelp("→/n", "step"),
	),
	Prev: key.NewBinding(
		key.WithKeys("left", "h", "p"),
		key.WithHelp("←/p", "back"),
	),
	End: key.NewBinding(
		key.WithKeys("e", "end"),
		key.WithHelp("e", "run to end"),
	),
	Reset: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "reset"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
}

var (
	keyStyle     = lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	keyDescStyle = lipgloss.NewStyle().Foreground(colorDim)
	panelBorder  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(0, 1)
)

// stepperModel is a Bubble Tea model over one simulator. Snapshots already
// produced are kept so the user can step backwards without replaying.
type stepperModel struct {
	title   string
	plan    flow.Plan
	sim     *scheduler.Simulator
	history []scheduler.Snapshot
	cursor  int
	done    bool
	err     error
	styles  styles
}

func newStepperModel(title string, plan flow.Plan, sim *scheduler.Simulator) stepperModel {
	sim.Initialize(plan)
	return stepperModel{
		title:  title,
		plan:   plan,
		sim:    sim,
		cursor: -1,
		styles: colorStyles(),
	}
}

func (m stepperModel) Init() tea.Cmd {
	return nil
}

func (m stepperModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch {
	case key.Matches(keyMsg, stepKeys.Quit):
		return m, tea.Quit
	case key.Matches(keyMsg, stepKeys.Next):
		m = m.forward()
	case key.Matches(keyMsg, stepKeys.Prev):
		if m.cursor >= 0 {
			m.cursor--
		}
	case key.Matches(keyMsg, stepKeys.End):
		for !m.done && m.err == nil {
			m = m.forward()
		}
		m.cursor = len(m.history) - 1
	case key.Matches(keyMsg, stepKeys.Reset):
		m.sim.Initialize(m.plan)
		m.history = nil
		m.cursor = -1
		m.done = false
		m.err = nil
	}
	return m, nil
}

// forward moves to the next snapshot, stepping the simulator only when the
// cursor is at the newest one.
func (m stepperModel) forward() stepperModel {
	if m.cursor < len(m.history)-1 {
		m.cursor++
		return m
	}
	if m.done || m.err != nil {
		return m
	}

	snap, ok, err := m.sim.Step()
	switch {
	case err != nil:
		m.err = err
	case !ok:
		m.done = true
	default:
		m.history = append(m.history, snap)
		m.cursor = len(m.history) - 1
	}
	return m
}

// logsUpTo collects the log lines produced up to and including the cursor.
func (m stepperModel) logsUpTo() []string {
	var logs []string
	for i := 0; i <= m.cursor && i < len(m.history); i++ {
		logs = append(logs, m.history[i].Logs...)
	}
	return logs
}

func (m stepperModel) View() string {
	st := m.styles
	var b strings.Builder

	status := fmt.Sprintf("step %d/%d", m.cursor+1, len(m.history))
	switch {
	case m.err != nil:
		status += "  " + st.Error.Render(m.err.Error())
	case m.done && m.cursor == len(m.history)-1:
		status += "  " + st.CallStack.Render("complete")
	}
	b.WriteString(st.Header.Render("anatomy "+m.title) + "  " + st.Dim.Render(status) + "\n\n")

	if m.cursor < 0 {
		b.WriteString(panelBorder.Render(st.Dim.Render("Press → to start the main script.")))
	} else {
		snap := m.history[m.cursor]
		snap.Logs = nil
		b.WriteString(panelBorder.Render(strings.TrimRight(formatSnapshot(snap, st), "\n")))
	}
	b.WriteString("\n\n")

	b.WriteString(st.Header.Render("Log") + "\n")
	for _, line := range m.logsUpTo() {
		b.WriteString(st.Log.Render(line) + "\n")
	}
	b.WriteString("\n" + keyBar(stepKeys.Next, stepKeys.Prev, stepKeys.End, stepKeys.Reset, stepKeys.Quit))
	return b.String()
}

func keyBar(bindings ...key.Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		h := binding.Help()
		parts = append(parts, keyStyle.Render(h.Key)+keyDescStyle.Render(":"+h.Desc))
	}
	return strings.Join(parts, "  ")
}
