// Package historyui implements the deployment history browser using Bubble Tea.
package historyui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/Angulorecto/LiveUpdater/internal/db"
)

// Source is the ledger read by the browser.
type Source interface {
	ListDeployments(ctx context.Context, limit int) ([]db.Deployment, error)
}

// state represents the current screen.
type state int

const (
	stateList state = iota
	stateDetail
	stateLimit
)

// DefaultLimit is the number of rows fetched per refresh.
const DefaultLimit = 200

// Model holds all UI state for the history browser.
type Model struct {
	src   Source
	title string
	limit int

	st  state
	err string

	deps []db.Deployment
	lst  list.Model

	limitIn textinput.Model
	now     func() time.Time
}

// New constructs the browser for src; title names the ledger being shown.
func New(src Source, title string) Model {
	lst := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	lst.Title = "Deployments"

	in := textinput.New()
	in.Placeholder = fmt.Sprint(DefaultLimit)
	in.Prompt = "Rows: "
	in.CharLimit = 6

	return Model{src: src, title: title, limit: DefaultLimit, lst: lst, limitIn: in, now: time.Now}
}

// Init loads the first page.
func (m Model) Init() tea.Cmd {
	return refreshCmd(m.src, m.limit)
}

type errMsg string
type deploymentsMsg []db.Deployment

func refreshCmd(src Source, limit int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		deps, err := src.ListDeployments(ctx, limit)
		if err != nil {
			return errMsg(err.Error())
		}
		return deploymentsMsg(deps)
	}
}

// Update routes messages based on UI state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.lst.SetSize(msg.Width-4, msg.Height-6)
		return m, nil
	case errMsg:
		m.err = string(msg)
		return m, nil
	case deploymentsMsg:
		m.deps = []db.Deployment(msg)
		items := make([]list.Item, 0, len(m.deps))
		for _, d := range m.deps {
			items = append(items, deploymentItem{dep: d, now: m.now})
		}
		m.lst.SetItems(items)
		m.err = ""
		return m, nil
	}

	switch m.st {
	case stateList:
		if k, ok := msg.(tea.KeyMsg); ok && m.lst.FilterState() != list.Filtering {
			switch k.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			case "r":
				return m, refreshCmd(m.src, m.limit)
			case "enter":
				if _, ok := m.selected(); ok {
					m.st = stateDetail
				}
				return m, nil
			case "l":
				m.st = stateLimit
				m.limitIn.SetValue("")
				m.limitIn.Focus()
				return m, nil
			}
		}
		var cmd tea.Cmd
		m.lst, cmd = m.lst.Update(msg)
		return m, cmd

	case stateDetail:
		if k, ok := msg.(tea.KeyMsg); ok {
			switch k.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			case "esc", "enter", "backspace":
				m.st = stateList
			}
		}
		return m, nil

	case stateLimit:
		return m.updateLimit(msg)
	}
	return m, nil
}

func (m Model) updateLimit(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "esc":
			m.limitIn.Blur()
			m.st = stateList
			return m, nil
		case "enter":
			var n int
			if _, err := fmt.Sscan(strings.TrimSpace(m.limitIn.Value()), &n); err != nil || n <= 0 {
				m.err = "rows must be a positive number"
				return m, nil
			}
			m.limit = n
			m.limitIn.Blur()
			m.st = stateList
			m.err = ""
			return m, refreshCmd(m.src, m.limit)
		}
	}
	var cmd tea.Cmd
	m.limitIn, cmd = m.limitIn.Update(msg)
	return m, cmd
}

func (m Model) selected() (db.Deployment, bool) {
	it, ok := m.lst.SelectedItem().(deploymentItem)
	if !ok {
		return db.Deployment{}, false
	}
	return it.dep, true
}

// View renders the current screen.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString("LiveUpdater history")
	if m.title != "" {
		b.WriteString(" (" + m.title + ")")
	}
	b.WriteString("\n\n")

	switch m.st {
	case stateList:
		b.WriteString(m.lst.View())
		b.WriteString("\n[enter] details  [r] refresh  [l] rows  [/] filter  [q] quit\n")
	case stateDetail:
		d, _ := m.selected()
		b.WriteString(detail(d, m.now()))
		b.WriteString("\n[esc] back  [q] quit\n")
	case stateLimit:
		b.WriteString("Rows to load\n")
		b.WriteString(m.limitIn.View())
		b.WriteString("\n\n[enter] apply  [esc] cancel\n")
	}
	if m.err != "" {
		b.WriteString("\nerror: " + m.err + "\n")
	}
	return b.String()
}

func detail(d db.Deployment, now time.Time) string {
	var b strings.Builder
	row := func(k, v string) {
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(&b, "%-10s %s\n", k, v)
	}
	row("ID", d.ID)
	row("File", d.FileName)
	row("Size", humanize.IBytes(uint64(max(d.SizeBytes, 0))))
	row("Plugin", d.ArtifactName)
	row("Outcome", string(d.Outcome))
	row("Detail", d.Detail)
	row("User", d.Username)
	row("Remote", d.RemoteAddr)
	row("Session", d.SessionID)
	created := time.Unix(d.CreatedAt, 0)
	row("Uploaded", created.Format(time.RFC3339)+" ("+humanize.RelTime(created, now, "ago", "from now")+")")
	return b.String()
}

type deploymentItem struct {
	dep db.Deployment
	now func() time.Time
}

func (i deploymentItem) Title() string {
	if i.dep.ArtifactName != "" {
		return i.dep.FileName + " -> " + i.dep.ArtifactName
	}
	return i.dep.FileName
}

func (i deploymentItem) Description() string {
	return fmt.Sprintf("%s  %s  %s by %s",
		i.dep.Outcome,
		humanize.IBytes(uint64(max(i.dep.SizeBytes, 0))),
		humanize.RelTime(time.Unix(i.dep.CreatedAt, 0), i.now(), "ago", "from now"),
		i.dep.Username,
	)
}

func (i deploymentItem) FilterValue() string {
	return i.dep.FileName + " " + i.dep.ArtifactName + " " + string(i.dep.Outcome)
}
