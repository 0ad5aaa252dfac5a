// Package tui is the full-screen front end: a message log, the live peer
// list, a status bar and an input line.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"p2pshare/internal/console"
	"p2pshare/internal/peer"
	"p2pshare/internal/protocol"
)

const (
	peerPanelWidth = 30
	maxShownPeers  = 15
)

type entryKind int

const (
	entrySystem entryKind = iota
	entryError
	entryOwn
	entryPeer
)

type entry struct {
	kind entryKind
	from string
	text string
	at   time.Time
}

// commandDoneMsg carries the outcome of a console command run off the UI
// goroutine.
type commandDoneMsg struct {
	output string
	err    error
}

type tickMsg time.Time

type Model struct {
	ctx     context.Context
	console *console.Console
	self    peer.Address
	events  *Events
	clock   clock.Clock

	entries  []entry
	peers    []peer.Address
	viewport viewport.Model
	textarea textarea.Model
	ready    bool
	width    int
	height   int
	showHelp bool
}

// New builds the model. events must be the observer the node was created
// with.
func New(ctx context.Context, c *console.Console, events *Events, clk clock.Clock) *Model {
	if clk == nil {
		clk = clock.New()
	}
	ta := textarea.New()
	ta.Placeholder = "Type a message or /help for commands..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4096
	ta.SetWidth(80)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	return &Model{
		ctx:      ctx,
		console:  c,
		self:     c.Node.Self(),
		events:   events,
		clock:    clk,
		peers:    c.Node.Peers(),
		viewport: viewport.New(80, 20),
		textarea: ta,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.events.next(), tick())
}

// tick refreshes the status bar clock.
func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlH:
			m.showHelp = !m.showHelp
			m.refresh()
			return m, nil
		case tea.KeyEnter:
			return m, m.submit()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.viewport.Width = max(m.width-peerPanelWidth-5, 10)
		m.viewport.Height = max(m.height-3-5-1, 3)
		m.textarea.SetWidth(max(m.width-4, 10))
		m.refresh()

	case tickMsg:
		return m, tick()

	case peersMsg:
		m.peers = msg
		return m, m.events.next()

	case messageMsg:
		m.add(entry{kind: entryPeer, from: msg.from.String(), text: body(msg.frame)})
		return m, m.events.next()

	case resultMsg:
		kind := entrySystem
		if !msg.success {
			kind = entryError
		}
		m.add(entry{kind: kind, text: console.FormatResult(msg.op, msg.target, msg.success, msg.detail)})
		return m, m.events.next()

	case commandDoneMsg:
		switch {
		case errors.Is(msg.err, console.ErrQuit):
			return m, tea.Quit
		case msg.err != nil:
			m.add(entry{kind: entryError, text: msg.err.Error()})
		case msg.output != "":
			m.add(entry{kind: entrySystem, text: msg.output})
		}
		return m, nil
	}

	var taCmd, vpCmd tea.Cmd
	m.textarea, taCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(taCmd, vpCmd)
}

// submit clears the input and runs it as a console command. Sends can block
// on slow peers, so they run as a tea.Cmd.
func (m *Model) submit() tea.Cmd {
	input := strings.TrimSpace(m.textarea.Value())
	m.textarea.Reset()
	if input == "" {
		return nil
	}
	if input == "/quit" || input == "/exit" {
		return tea.Quit
	}
	if !strings.HasPrefix(input, "/") {
		m.add(entry{kind: entryOwn, from: "You", text: input})
	}
	ctx, c := m.ctx, m.console
	return func() tea.Msg {
		out, err := c.Execute(ctx, input)
		return commandDoneMsg{output: out, err: err}
	}
}

func (m *Model) add(e entry) {
	e.at = m.clock.Now()
	m.entries = append(m.entries, e)
	m.refresh()
	m.viewport.GotoBottom()
}

func (m *Model) refresh() {
	if m.showHelp {
		m.viewport.SetContent(console.Help + "\n\nCtrl+H toggles this help, Ctrl+C or Esc quits.")
		return
	}
	var b strings.Builder
	for _, e := range m.entries {
		b.WriteString(renderEntry(e))
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
}

func body(frame protocol.Frame) string {
	if text, ok := frame.(protocol.Text); ok {
		return string(text.Body)
	}
	// Reuse the console wording minus its "[peer] " prefix.
	line := console.FormatMessage(peer.Address{}, frame)
	_, rest, _ := strings.Cut(line, "] ")
	return rest
}

func renderEntry(e entry) string {
	ts := timestampStyle.Render(e.at.Format("15:04:05"))
	switch e.kind {
	case entrySystem:
		return ts + " " + systemStyle.Render(e.text)
	case entryError:
		return ts + " " + errorStyle.Render(e.text)
	case entryOwn:
		return ts + " " + ownStyle.Render("[You]") + " " + e.text
	}
	return ts + " " + peerStyle.Render("["+e.from+"]") + " " + e.text
}

func (m *Model) View() string {
	if !m.ready {
		return "\n  Starting p2pshare...\n"
	}

	header := headerStyle.Render("p2pshare - LAN messaging and file sharing")
	messages := panelStyle.Width(m.viewport.Width + 2).Height(m.viewport.Height + 2).
		Render("Messages\n" + m.viewport.View())
	panels := lipgloss.JoinHorizontal(lipgloss.Top, messages, m.renderPeers())
	input := inputStyle.Width(max(m.width-4, 10)).
		Render("Input (Ctrl+H for help)\n" + m.textarea.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, panels, m.renderStatusBar(), input)
}

func (m *Model) renderPeers() string {
	var b strings.Builder
	b.WriteString("Peers\n")
	b.WriteString(strings.Repeat("─", peerPanelWidth-2) + "\n")
	if len(m.peers) == 0 {
		b.WriteString("  none yet\n\n  /connect <host:port>\n  to add one\n")
	}
	for i, p := range m.peers {
		if i == maxShownPeers {
			fmt.Fprintf(&b, "  ... and %d more\n", len(m.peers)-maxShownPeers)
			break
		}
		fmt.Fprintf(&b, "  %s %s\n", onlineStyle.Render("●"), p)
	}
	return panelStyle.Width(peerPanelWidth).Height(m.viewport.Height + 2).Render(b.String())
}

func (m *Model) renderStatusBar() string {
	left := "Node: " + m.self.String()
	right := fmt.Sprintf("Peers: %d", len(m.peers))
	if n := m.events.Dropped(); n > 0 {
		right += fmt.Sprintf(" | %d events dropped", n)
	}
	right += " | " + m.clock.Now().Format("15:04:05")

	width := max(m.width-4, 0)
	gap := max(width-lipgloss.Width(left)-lipgloss.Width(right), 1)
	return statusBarStyle.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}
