// Package picker is an interactive terminal picker for choosing which
// stories a run works on.
package picker

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// ErrCanceled is returned when the operator leaves the picker without
// confirming.
var ErrCanceled = errors.New("story selection canceled")

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Toggle  key.Binding
	All     key.Binding
	Confirm key.Binding
	Cancel  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Toggle, k.All, k.Confirm, k.Cancel}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Toggle, k.All},
		{k.Confirm, k.Cancel},
	}
}

var defaultKeys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Toggle: key.NewBinding(
		key.WithKeys(" ", "x"),
		key.WithHelp("space", "toggle"),
	),
	All: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("a", "all/none"),
	),
	Confirm: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "run"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("ctrl+c", "q", "esc"),
		key.WithHelp("q/esc", "cancel"),
	),
}

type styles struct {
	title   lipgloss.Style
	cursor  lipgloss.Style
	checked lipgloss.Style
	story   lipgloss.Style
	dim     lipgloss.Style
	warning lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).MarginBottom(1),
		cursor:  lipgloss.NewStyle().Foreground(lipgloss.Color("205")),
		checked: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		story:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
}

// model is the bubbletea model behind Run.
type model struct {
	stories   []*models.Story
	selected  []bool
	cursor    int
	confirmed bool
	canceled  bool

	// empty is set when enter is pressed with nothing selected.
	empty  bool
	keys   keyMap
	styles styles
	help   help.Model
}

// newModel lists stories with every entry preselected.
func newModel(stories []*models.Story) model {
	sel := make([]bool, len(stories))
	for i := range sel {
		sel[i] = true
	}
	return model{
		stories:  stories,
		selected: sel,
		keys:     defaultKeys,
		styles:   newStyles(),
		help:     help.New(),
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	m.empty = false

	switch {
	case key.Matches(km, m.keys.Cancel):
		m.canceled = true
		return m, tea.Quit

	case key.Matches(km, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(km, m.keys.Down):
		if m.cursor < len(m.stories)-1 {
			m.cursor++
		}

	case key.Matches(km, m.keys.Toggle):
		if len(m.selected) > 0 {
			m.selected[m.cursor] = !m.selected[m.cursor]
		}

	case key.Matches(km, m.keys.All):
		all := m.count() < len(m.selected)
		for i := range m.selected {
			m.selected[i] = all
		}

	case key.Matches(km, m.keys.Confirm):
		if m.count() == 0 {
			m.empty = true
			return m, nil
		}
		m.confirmed = true
		return m, tea.Quit
	}
	return m, nil
}

func (m model) count() int {
	n := 0
	for _, s := range m.selected {
		if s {
			n++
		}
	}
	return n
}

// ids returns the selected story ids in backlog order.
func (m model) ids() []string {
	var out []string
	for i, s := range m.stories {
		if m.selected[i] {
			out = append(out, s.ID)
		}
	}
	return out
}

func (m model) View() string {
	if m.confirmed || m.canceled {
		return ""
	}
	var b strings.Builder

	b.WriteString(m.styles.title.Render(fmt.Sprintf("Select stories (%d/%d)", m.count(), len(m.stories))))
	b.WriteString("\n")

	for i, s := range m.stories {
		cursor := "  "
		if i == m.cursor {
			cursor = m.styles.cursor.Render("▸ ")
		}
		box := m.styles.dim.Render("[ ]")
		if m.selected[i] {
			box = m.styles.checked.Render("[x]")
		}
		label := m.styles.story.Render(s.ID + "  " + s.Title)
		if s.Type != "" {
			label += " " + m.styles.dim.Render("("+string(s.Type)+")")
		}
		fmt.Fprintf(&b, "%s%s %s\n", cursor, box, label)
	}

	if m.empty {
		b.WriteString("\n")
		b.WriteString(m.styles.warning.Render("select at least one story"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	b.WriteString("\n")
	return b.String()
}

// Run shows the picker for stories and returns the chosen ids in backlog
// order. It returns ErrCanceled if the operator quits.
func Run(stories []*models.Story, in io.Reader, out io.Writer) ([]string, error) {
	if len(stories) == 0 {
		return nil, nil
	}
	p := tea.NewProgram(newModel(stories), tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("run story picker: %w", err)
	}
	res := final.(model)
	if !res.confirmed {
		return nil, ErrCanceled
	}
	return res.ids(), nil
}
