package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/neuroprep/neuroprep/internal/runner"
)

type runStartMsg struct{ input string }

type runDoneMsg struct{ res runner.Result }

type batchDoneMsg struct{}

// progressModel renders a progress bar while a batch runs.
type progressModel struct {
	bar     progress.Model
	cancel  context.CancelFunc
	total   int
	done    int
	failed  int
	running []string
}

func newProgressModel(total int, cancel context.CancelFunc) progressModel {
	return progressModel{
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		cancel: cancel,
		total:  total,
	}
}

func (m progressModel) Init() tea.Cmd {
	return nil
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			// The terminal is in raw mode, so Ctrl-C arrives here
			// instead of as a signal.
			m.cancel()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(msg.Width-4, 60))
		return m, nil

	case runStartMsg:
		m.running = append(m.running, filepath.Base(msg.input))
		return m, nil

	case runDoneMsg:
		m.done++
		if msg.res.Err != nil {
			m.failed++
		}
		m.running = remove(m.running, filepath.Base(msg.res.Input))
		return m, m.bar.SetPercent(float64(m.done) / float64(max(m.total, 1)))

	case batchDoneMsg:
		return m, tea.Quit

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) View() string {
	status := fmt.Sprintf("Processing %d/%d", m.done, m.total)
	if m.failed > 0 {
		status += styleError.Render(fmt.Sprintf(" (%d failed)", m.failed))
	}
	current := ""
	if len(m.running) > 0 {
		current = styleMuted.Render(strings.Join(m.running, ", "))
	}
	return status + "\n" + m.bar.View() + "\n" + current + "\n"
}

func remove(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i], names[i+1:]...)
		}
	}
	return names
}

// interactive reports whether a progress bar can be drawn.
func interactive() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// runBatchWithProgress runs the batch while a bubbletea program draws its
// progress on stderr.
func runBatchWithProgress(ctx context.Context, r *runner.Runner, inputs []string) (runner.BatchResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newProgressModel(len(inputs), cancel), tea.WithOutput(os.Stderr), tea.WithContext(ctx))
	result := make(chan runner.BatchResult, 1)
	go func() {
		b := r.RunBatch(ctx, inputs, runner.BatchHooks{
			OnStart: func(_ int, input string) { p.Send(runStartMsg{input: input}) },
			OnDone:  func(_ int, res runner.Result) { p.Send(runDoneMsg{res: res}) },
		})
		result <- b
		p.Send(batchDoneMsg{})
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		cancel()
		<-result
		return runner.BatchResult{}, fmt.Errorf("progress display: %w", err)
	}
	return <-result, nil
}
