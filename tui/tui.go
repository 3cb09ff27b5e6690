// Package tui is the terminal prompter: it shows the current question and the
// live transcript, and turns key presses into session triggers.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bosley/rehearse/session"
	"github.com/bosley/rehearse/speech"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	levelWidth   = 24
	maxAnswerLen = 60
	defaultWidth = 80
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	promptStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	partialStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("245"))
	recStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)
)

// StateMsg carries a controller snapshot.
type StateMsg struct{ Snapshot session.Snapshot }

// PartialMsg carries a partial transcript.
type PartialMsg struct{ Segment speech.Segment }

// EntryMsg carries a finalized answer.
type EntryMsg struct{ Entry session.Entry }

// DoneMsg tells the model the session has ended.
type DoneMsg struct {
	Dir string
	Err error
}

type tickMsg time.Time

type entryLine struct {
	id     string
	answer string
	flags  []session.Flag
}

// Meter holds the latest microphone level, 0..1. Set never blocks, so it
// can be called from the capture loop; the model reads it on every tick.
type Meter struct {
	bits atomic.Uint64
}

func NewMeter() *Meter {
	return &Meter{}
}

func (m *Meter) Set(level float64) {
	m.bits.Store(math.Float64bits(level))
}

func (m *Meter) Level() float64 {
	return math.Float64frombits(m.bits.Load())
}

type Model struct {
	triggers chan<- session.Trigger
	meter    *Meter

	snapshot  session.Snapshot
	startedAt time.Time
	partial   string
	level     float64
	entries   []entryLine
	aborting  bool
	done      *DoneMsg
	width     int
	now       func() time.Time
}

// NewModel builds the prompter. Key presses are delivered on triggers
// without blocking; a full channel drops the press.
func NewModel(triggers chan<- session.Trigger) *Model {
	return &Model{
		triggers: triggers,
		snapshot: session.Snapshot{State: session.Idle},
		width:    defaultWidth,
		now:      time.Now,
	}
}

// WithMeter makes the model show the level held by meter.
func (m *Model) WithMeter(meter *Meter) *Model {
	m.meter = meter
	return m
}

func (m *Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tickMsg:
		if m.done != nil {
			return m, nil
		}
		if m.meter != nil {
			m.level = m.meter.Level()
		}
		return m, tick()
	case StateMsg:
		if msg.Snapshot.State == session.Recording {
			m.startedAt = m.now()
			m.partial = ""
		}
		m.snapshot = msg.Snapshot
	case PartialMsg:
		if m.snapshot.Question != nil && msg.Segment.QuestionID == m.snapshot.Question.ID {
			m.partial = msg.Segment.Text
		}
	case EntryMsg:
		m.entries = append(m.entries, entryLine{
			id:     msg.Entry.QuestionID,
			answer: msg.Entry.Answer,
			flags:  msg.Entry.Flags,
		})
	case DoneMsg:
		m.done = &msg
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.abort()
		return m, nil
	case tea.KeySpace, tea.KeyEnter:
		m.send(session.Next)
		return m, nil
	case tea.KeyRunes:
		switch string(msg.Runes) {
		case "q":
			m.abort()
		case "n":
			m.send(session.Next)
		}
	}
	return m, nil
}

func (m *Model) abort() {
	m.aborting = true
	m.send(session.Abort)
}

func (m *Model) send(t session.Trigger) {
	select {
	case m.triggers <- t:
	default:
	}
}

func (m *Model) View() string {
	var b strings.Builder

	header := titleStyle.Render("rehearse")
	if m.snapshot.Total > 0 {
		header += fmt.Sprintf("  question %d of %d", m.snapshot.Index, m.snapshot.Total)
	}
	b.WriteString(header + "\n\n")

	if m.snapshot.Question != nil {
		prompt := lipgloss.NewStyle().Width(m.contentWidth()).Render(m.snapshot.Question.Prompt)
		b.WriteString(promptStyle.Render(prompt) + "\n\n")
	}

	b.WriteString(m.status() + "\n")
	if m.snapshot.State == session.Recording {
		b.WriteString("mic " + levelBar(m.level) + "\n")
		if m.partial != "" {
			partial := lipgloss.NewStyle().Width(m.contentWidth()).Render(m.partial)
			b.WriteString(partialStyle.Render(partial) + "\n")
		}
	}

	if len(m.entries) > 0 {
		b.WriteString("\n")
		for _, e := range m.entries {
			b.WriteString(renderEntry(e) + "\n")
		}
	}

	b.WriteString("\n" + helpStyle.Render(m.help()))
	return boxStyle.Render(b.String()) + "\n"
}

func (m *Model) status() string {
	if m.done != nil {
		if m.done.Err != nil {
			return warnStyle.Render("Session ended with error: " + m.done.Err.Error())
		}
		return okStyle.Render("Session saved to " + m.done.Dir)
	}
	if m.aborting && m.snapshot.State != session.Aborted {
		return warnStyle.Render("Aborting...")
	}

	switch m.snapshot.State {
	case session.AwaitingStart:
		return "Press space to start answering"
	case session.Recording:
		elapsed := m.now().Sub(m.startedAt).Truncate(time.Second)
		return recStyle.Render("● REC") + fmt.Sprintf(" %s  press space when done", elapsed)
	case session.Finalizing:
		return "Processing answer..."
	case session.SessionComplete:
		return okStyle.Render("All questions answered")
	case session.Aborted:
		return warnStyle.Render("Session aborted")
	default:
		return "Starting..."
	}
}

func (m *Model) help() string {
	if m.done != nil {
		return ""
	}
	return "space/n: next  q/ctrl+c: abort"
}

func (m *Model) contentWidth() int {
	w := m.width - 8
	if w < 20 {
		w = 20
	}
	return w
}

func renderEntry(e entryLine) string {
	answer := e.answer
	if answer == "" {
		answer = "(no transcript)"
	}
	if len(answer) > maxAnswerLen {
		answer = answer[:maxAnswerLen-3] + "..."
	}
	line := okStyle.Render("✓ "+e.id) + " " + answer
	if len(e.flags) > 0 {
		flags := make([]string, len(e.flags))
		for i, f := range e.flags {
			flags[i] = string(f)
		}
		line += " " + warnStyle.Render("["+strings.Join(flags, ", ")+"]")
	}
	return line
}

func levelBar(level float64) string {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	filled := int(level * levelWidth)
	return "[" + strings.Repeat("█", filled) + strings.Repeat(" ", levelWidth-filled) + "]"
}

// Sender is the part of tea.Program the observer uses.
type Sender interface {
	Send(msg tea.Msg)
}

const observerBuffer = 256

// Observer forwards session progress to the running program. Messages go
// through a buffer drained by one goroutine, so the controller never waits
// on the UI's event loop. A full buffer drops the update.
type Observer struct {
	program Sender
	msgs    chan tea.Msg
	done    chan struct{}
	once    sync.Once
}

func NewObserver(program Sender) *Observer {
	o := &Observer{
		program: program,
		msgs:    make(chan tea.Msg, observerBuffer),
		done:    make(chan struct{}),
	}
	go o.pump()
	return o
}

func (o *Observer) pump() {
	defer close(o.done)
	for msg := range o.msgs {
		o.program.Send(msg)
	}
}

func (o *Observer) forward(msg tea.Msg) {
	select {
	case o.msgs <- msg:
	default:
		if _, partial := msg.(PartialMsg); !partial {
			slog.Warn("Terminal UI too slow, dropping update", "message", fmt.Sprintf("%T", msg))
		}
	}
}

func (o *Observer) OnState(s session.Snapshot) {
	o.forward(StateMsg{Snapshot: s})
}

func (o *Observer) OnPartial(seg speech.Segment) {
	o.forward(PartialMsg{Segment: seg})
}

func (o *Observer) OnEntry(e session.Entry) {
	o.forward(EntryMsg{Entry: e})
}

// Done ends the program once the session is written. It waits for the
// updates queued before it, so the final screen is complete. No session
// callback may follow Done.
func (o *Observer) Done(dir string, err error) {
	o.once.Do(func() {
		o.msgs <- DoneMsg{Dir: dir, Err: err}
		close(o.msgs)
	})
	<-o.done
}

// Run drives program until it quits or ctx is cancelled.
func Run(ctx context.Context, program *tea.Program) error {
	errCh := make(chan error, 1)
	go func() {
		_, err := program.Run()
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		program.Quit()
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
