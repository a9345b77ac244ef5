// Package tui renders a captioner in the terminal with bubbletea.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nadzzz/livecaption/internal/audio"
	"github.com/nadzzz/livecaption/internal/caption"
	"github.com/nadzzz/livecaption/internal/captioner"
	"github.com/nadzzz/livecaption/internal/display"
	"github.com/nadzzz/livecaption/internal/recognition"
)

// Intents are the user actions the terminal UI can trigger.
// *captioner.Controller implements it.
type Intents interface {
	ToggleCaptions(ctx context.Context) (captioner.View, error)
	ToggleTranslation(ctx context.Context) (captioner.View, error)
	CycleLanguage(ctx context.Context) (captioner.View, error)
	SelectSource(ctx context.Context, src audio.Source) (captioner.View, error)
}

const intentTimeout = 2 * time.Second

// ViewMsg carries a fresh captioner snapshot into the program.
type ViewMsg captioner.View

type errMsg struct{ err error }

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)
	listeningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("246")).Bold(true)
	localStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	remoteStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	boxStyle       = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// Model is the bubbletea model for one participant.
type Model struct {
	intents Intents
	view    captioner.View
	err     error
	width   int
}

// New returns a model showing initial until the first ViewMsg arrives.
func New(intents Intents, initial captioner.View) Model {
	return Model{intents: intents, view: initial, width: 60}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case ViewMsg:
		m.view = captioner.View(msg)
		m.err = nil
	case errMsg:
		m.err = msg.err
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "c", " ":
			return m, m.intent(func(ctx context.Context) (captioner.View, error) {
				return m.intents.ToggleCaptions(ctx)
			})
		case "t":
			return m, m.intent(func(ctx context.Context) (captioner.View, error) {
				return m.intents.ToggleTranslation(ctx)
			})
		case "l":
			return m, m.intent(func(ctx context.Context) (captioner.View, error) {
				return m.intents.CycleLanguage(ctx)
			})
		case "m":
			return m, m.intent(func(ctx context.Context) (captioner.View, error) {
				return m.intents.SelectSource(ctx, audio.Microphone)
			})
		case "r":
			return m, m.intent(func(ctx context.Context) (captioner.View, error) {
				return m.intents.SelectSource(ctx, audio.RemoteStream)
			})
		}
	}
	return m, nil
}

func (m Model) intent(fn func(ctx context.Context) (captioner.View, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), intentTimeout)
		defer cancel()
		v, err := fn(ctx)
		if err != nil {
			return errMsg{err}
		}
		return ViewMsg(v)
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	title := titleStyle.Render("livecaption")
	line := strings.Repeat("─", max(0, m.width-lipgloss.Width(title)))
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Center, title, line))
	b.WriteString("\n\n")

	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(m.detailLine()))
	b.WriteString("\n\n")

	b.WriteString(m.surface("You", m.view.Local, localStyle))
	b.WriteString("\n")
	b.WriteString(m.surface("Remote", m.view.Remote, remoteStyle))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("! " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("c captions · t translate · l language · m mic · r remote · q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) statusLine() string {
	st := m.view.Status
	var s string
	switch st.Kind {
	case recognition.StatusListening:
		s = listeningStyle.Render("● listening")
	case recognition.StatusError:
		s = errorStyle.Render("● error")
	default:
		s = mutedStyle.Render("○ captions off")
	}
	if st.Message != "" {
		s += " " + st.Message
	}
	return s
}

func (m Model) detailLine() string {
	source := m.view.Source
	if m.view.RemoteAvailable {
		source += " (remote available)"
	}

	tr := "off"
	if m.view.Translation.Enabled {
		if lang, err := caption.LookupLanguage(m.view.Translation.TargetLanguage); err == nil {
			tr = fmt.Sprintf("→ %s", lang.Name)
		} else {
			tr = "→ " + m.view.Translation.TargetLanguage
		}
	}

	ch := "offline"
	if m.view.Channel != "" {
		state := "disconnected"
		if m.view.ChannelConnected {
			state = "connected"
		}
		ch = m.view.Channel + " " + state
	}
	return fmt.Sprintf("source: %s   translation: %s   channel: %s", source, tr, ch)
}

func (m Model) surface(label string, snap display.Snapshot, style lipgloss.Style) string {
	text := mutedStyle.Render("…")
	switch {
	case !snap.Visible:
		text = mutedStyle.Render("(hidden)")
	case snap.Text != "":
		text = style.Render(snap.Text)
	}
	w := max(20, m.width-4)
	return boxStyle.Width(w).Render(labelStyle.Render(label) + "\n" + text)
}

// Run starts the program and blocks until the user quits or ctx ends.
// subscribe registers the callback that feeds snapshots into the program;
// it is invoked with views from the captioner's loop and never blocks it.
func Run(ctx context.Context, intents Intents, initial captioner.View, subscribe func(func(captioner.View))) error {
	p := tea.NewProgram(New(intents, initial), tea.WithAltScreen(), tea.WithContext(ctx))

	latest := make(chan captioner.View, 1)
	subscribe(func(v captioner.View) {
		select {
		case <-latest:
		default:
		}
		latest <- v
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-latest:
				p.Send(ViewMsg(v))
			}
		}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("running terminal UI: %w", err)
	}
	return nil
}
