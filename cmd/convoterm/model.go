package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"nhooyr.io/websocket"

	"convod/stream"
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	diagStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	titleStyle     = lipgloss.NewStyle().Bold(true).Underline(true)
)

type model struct {
	ctx    context.Context
	conn   *websocket.Conn
	convID string

	vp      viewport.Model
	input   textinput.Model
	spin    spinner.Model
	ready   bool
	working bool

	// lines is the rendered transcript; partial holds the in-flight
	// cumulative assistant text.
	lines   []string
	partial string
	err     error
}

func newModel(ctx context.Context, conn *websocket.Conn, convID string) model {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	return model{
		ctx:    ctx,
		conn:   conn,
		convID: convID,
		input:  input,
		spin:   spin,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(readNote(m.ctx, m.conn), m.spin.Tick, textinput.Blink)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.vp = viewport.New(msg.Width, msg.Height-4)
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = msg.Height - 4
		}
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			content := strings.TrimSpace(m.input.Value())
			if content == "" {
				return m, nil
			}
			m.input.Reset()
			m.lines = append(m.lines, userStyle.Render("you: ")+content)
			m.working = true
			m.refreshViewport()
			return m, submit(m.ctx, m.conn, content)
		}

	case noteMsg:
		m.applyNote(note(msg))
		m.refreshViewport()
		return m, readNote(m.ctx, m.conn)

	case disconnectedMsg:
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) applyNote(n note) {
	switch n.Kind {
	case "history":
		m.lines = m.lines[:0]
		for _, row := range n.Entries {
			m.lines = append(m.lines, renderRow(row))
		}
	case "user_message":
		if n.Entry != nil {
			m.lines = append(m.lines, renderRow(*n.Entry))
		}
		m.working = true
	case "processing":
		m.working = n.Active
	case "refresh":
		if m.partial != "" {
			m.lines = append(m.lines, renderRow(transcriptRow{Role: "assistant", Content: m.partial}))
			m.partial = ""
		}
		m.working = false
	case "event":
		ev, ok := stream.Decode(n.Event)
		if ok && ev.Kind == stream.KindAssistant {
			m.partial = ev.Text
		}
	case "diagnostic":
		m.lines = append(m.lines, diagStyle.Render("! "+n.Text))
	case "error":
		m.lines = append(m.lines, errorStyle.Render("error: "+n.Text))
		m.working = false
	}
}

func renderRow(row transcriptRow) string {
	if row.Role == "user" {
		return userStyle.Render("you: ") + row.Content
	}
	return assistantStyle.Render("assistant: ") + row.Content
}

func (m *model) refreshViewport() {
	if !m.ready {
		return
	}
	content := strings.Join(m.lines, "\n")
	if m.partial != "" {
		content += "\n" + assistantStyle.Render("assistant: ") + m.partial
	}
	m.vp.SetContent(content)
	m.vp.GotoBottom()
}

func (m model) View() string {
	if !m.ready {
		return "connecting..."
	}
	status := ""
	if m.working {
		status = m.spin.View() + " generating"
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s",
		titleStyle.Render("convod · "+m.convID),
		m.vp.View(),
		status,
		m.input.View())
}
