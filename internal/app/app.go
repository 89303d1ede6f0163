package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brensch/prismparquet/internal/config"
	"github.com/brensch/prismparquet/internal/downloader"
	"github.com/brensch/prismparquet/internal/inspector"
	"github.com/brensch/prismparquet/internal/orchestrator"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle              = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	menuStyle               = lipgloss.NewStyle().PaddingLeft(2)
	selectedStyle           = lipgloss.NewStyle().Foreground(lipgloss.Color("79"))
	errorStyle              = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle               = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle        = lipgloss.NewStyle().Padding(0, 1)
	dateProgressHeaderStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	dateStatusStyle         = map[string]lipgloss.Style{
		"Processing": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"Complete":   lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		"Skipped":    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		"Error":      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"Queued":     lipgloss.NewStyle().Foreground(lipgloss.Color("248")),
	}
)

// DateProgress is the UI-side record of one date batch item.
type DateProgress struct {
	Date    string
	Status  string
	ErrMsg  string
	Start   time.Time
	Elapsed time.Duration
}

type AppModel struct {
	Cfg    *config.Config
	DB     *sql.DB
	Logger *slog.Logger

	State            AppState
	menuChoices      []string
	menuCursor       int
	spinner          spinner.Model
	overallProgress  progress.Model
	progressBarWidth int

	mu             sync.RWMutex
	dateProgress   map[string]*DateProgress
	dateOrder      []string
	overallTotal   int64
	overallCurrent int64
	currentTaskTag string
	lastActivity   string
	taskStartTime  time.Time

	lastError error
	FatalErr  error
	Quitting  bool

	termWidth  int
	termHeight int

	uiMsgChan chan tea.Msg
}

func NewAppModel(cfg *config.Config, dbConn *sql.DB, logger *slog.Logger) *AppModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	prog := progress.New(progress.WithDefaultGradient())

	return &AppModel{
		Cfg:             cfg,
		DB:              dbConn,
		Logger:          logger,
		State:           ShowMenu,
		menuChoices:     []string{"Fetch Archives", "Process Dates", "Inspect Outputs", "Exit"},
		menuCursor:      0,
		spinner:         s,
		overallProgress: prog,
		dateProgress:    make(map[string]*DateProgress),
		dateOrder:       make([]string, 0),
	}
}

func (m *AppModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.State {
		case ShowMenu:
			cmd = m.handleMenuKey(msg)
			cmds = append(cmds, cmd)
		case ShowError:
			if msg.Type == tea.KeyEnter || msg.Type == tea.KeyEsc || msg.String() == "q" {
				m.State = ShowMenu
				m.lastError = nil
			}
		case Exiting:
			return m, nil
		default: // Active task state
			if msg.String() == "ctrl+c" || msg.String() == "q" {
				m.Quitting = true
				m.State = Exiting
				return m, tea.Quit
			}
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.progressBarWidth = max(0, m.termWidth-4)
		m.overallProgress.Width = m.progressBarWidth
	case ProgressMsg:
		m.mu.Lock()
		m.currentTaskTag = msg.Tag
		m.overallCurrent = msg.Current
		m.overallTotal = msg.Total
		m.lastActivity = msg.Activity
		m.mu.Unlock()
		var percent float64
		if msg.Total > 0 {
			percent = float64(msg.Current) / float64(msg.Total)
		}
		cmd = m.overallProgress.SetPercent(percent)
		cmds = append(cmds, cmd)
	case DateProgressMsg:
		m.mu.Lock()
		if _, exists := m.dateProgress[msg.Date]; !exists {
			m.dateProgress[msg.Date] = &DateProgress{
				Date:   msg.Date,
				Status: "Queued",
				Start:  time.Now(),
			}
			m.dateOrder = append(m.dateOrder, msg.Date)
		}
		dp := m.dateProgress[msg.Date]
		dp.Status = msg.Status
		dp.ErrMsg = msg.ErrMsg
		if msg.Elapsed > 0 {
			dp.Elapsed = msg.Elapsed
		} else if (msg.Status == "Complete" || msg.Status == "Skipped" || msg.Status == "Error") && !dp.Start.IsZero() && dp.Elapsed == 0 {
			dp.Elapsed = time.Since(dp.Start)
		}
		m.mu.Unlock()
	case TaskFinishedMsg:
		m.mu.Lock()
		log.Printf("Task '%s' finished. Duration: %s", msg.Tag, msg.EndTime.Sub(msg.StartTime).Round(time.Millisecond))
		m.State = ShowMenu
		m.dateProgress = make(map[string]*DateProgress)
		m.dateOrder = make([]string, 0)
		m.overallCurrent = 0
		m.overallTotal = 0
		m.currentTaskTag = ""
		m.lastActivity = ""
		m.uiMsgChan = nil
		m.mu.Unlock()
		if msg.Err != nil {
			m.lastError = fmt.Errorf("task '%s' failed: %w", msg.Tag, msg.Err)
			m.State = ShowError
		}
	case GeneralErrorMsg:
		m.lastError = msg.Err
		m.State = ShowError
		m.uiMsgChan = nil
	case spinner.TickMsg:
		if m.State != ShowMenu && m.State != ShowError && m.State != Exiting {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case progress.FrameMsg:
		if m.State != ShowMenu && m.State != ShowError && m.State != Exiting {
			progModel, frameCmd := m.overallProgress.Update(msg)
			if newModel, ok := progModel.(progress.Model); ok {
				m.overallProgress = newModel
				cmds = append(cmds, frameCmd)
			}
		}
	}

	if m.uiMsgChan != nil {
		cmds = append(cmds, m.waitForActivityCmd(m.uiMsgChan))
	}

	return m, tea.Batch(cmds...)
}

func (m *AppModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("--- PRISM Parquet Pipeline ---"))
	b.WriteString("\n\n")

	switch m.State {
	case ShowMenu:
		b.WriteString(m.viewMenu())
	case FetchingArchives, ProcessingDates, InspectingOutputs:
		b.WriteString(m.viewProgress())
	case ShowError:
		b.WriteString(m.viewError())
	case Exiting:
		b.WriteString(infoStyle.Render("Exiting..."))
	}

	b.WriteString("\n\n")
	if m.State == ShowMenu {
		b.WriteString(infoStyle.Render("Use up/down arrows and Enter to select. 'q' or Ctrl+C to quit."))
	} else if m.State != Exiting && m.State != ShowError {
		b.WriteString(infoStyle.Render("Task running... 'q' or Ctrl+C to force quit."))
	} else if m.State == ShowError {
		b.WriteString(infoStyle.Render("Press Enter or Esc to return to menu. 'q' or Ctrl+C to quit."))
	}

	return b.String()
}

func (m *AppModel) viewMenu() string {
	var b strings.Builder
	b.WriteString("Select an action:\n")

	for i, choice := range m.menuChoices {
		var lineContent string
		if m.menuCursor == i {
			lineContent = "> " + selectedStyle.Render(choice)
		} else {
			lineContent = "  " + choice
		}
		b.WriteString(menuStyle.Render(lineContent))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *AppModel) viewProgress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s Running Task: %s %s\n", m.spinner.View(), m.currentTaskTag, m.lastActivity))
	b.WriteString(progressBarStyle.Render(m.overallProgress.View()))
	b.WriteString(fmt.Sprintf(" (%d/%d)\n\n", m.overallCurrent, m.overallTotal))

	maxLines := m.termHeight - 10
	if maxLines < 1 {
		maxLines = 1
	}
	startIdx := 0
	if len(m.dateOrder) > maxLines {
		startIdx = len(m.dateOrder) - maxLines
	}

	if len(m.dateOrder) > 0 {
		b.WriteString(dateProgressHeaderStyle.Render(fmt.Sprintf("%-12s | %-12s | %s", "Date", "Status", "Elapsed")))
		b.WriteString("\n")
		b.WriteString(strings.Repeat("-", m.termWidth))
		b.WriteString("\n")
		for i := startIdx; i < len(m.dateOrder); i++ {
			dp := m.dateProgress[m.dateOrder[i]]
			if dp == nil {
				continue
			}
			statusStyled, ok := dateStatusStyle[dp.Status]
			if !ok {
				statusStyled = infoStyle
			}
			elapsedStr := ""
			if dp.Elapsed > 0 {
				elapsedStr = dp.Elapsed.Round(time.Millisecond).String()
			} else if !dp.Start.IsZero() && dp.Status == "Processing" {
				elapsedStr = time.Since(dp.Start).Round(time.Second).String() + "..."
			}
			line := fmt.Sprintf("%-12s | %-12s | %s", dp.Date, statusStyled.Render(dp.Status), elapsedStr)
			if len(line) >= m.termWidth {
				line = line[:m.termWidth-1]
			}
			b.WriteString(line)
			if dp.Status == "Error" && dp.ErrMsg != "" {
				errMsg := fmt.Sprintf("  -> Error: %s", dp.ErrMsg)
				if len(errMsg) >= m.termWidth {
					errMsg = errMsg[:m.termWidth-1]
				}
				b.WriteString("\n")
				b.WriteString(errorStyle.Render(errMsg))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m *AppModel) viewError() string {
	var b strings.Builder
	b.WriteString(errorStyle.Render("An error occurred:"))
	b.WriteString("\n\n")
	if m.lastError != nil {
		b.WriteString(wrapText(m.lastError.Error(), m.termWidth-4))
	} else {
		b.WriteString("Unknown error.")
	}
	b.WriteString("\n")
	return b.String()
}

func (m *AppModel) handleMenuKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "up", "k":
		if m.menuCursor > 0 {
			m.menuCursor--
		}
	case "down", "j":
		if m.menuCursor < len(m.menuChoices)-1 {
			m.menuCursor++
		}
	case "enter":
		m.lastError = nil
		m.mu.Lock()
		m.dateProgress = make(map[string]*DateProgress)
		m.dateOrder = make([]string, 0)
		m.overallCurrent = 0
		m.overallTotal = 0
		m.currentTaskTag = ""
		m.lastActivity = ""
		m.mu.Unlock()
		m.taskStartTime = time.Now()
		m.uiMsgChan = make(chan tea.Msg)
		choice := m.menuChoices[m.menuCursor]
		var taskCmd tea.Cmd
		switch choice {
		case "Fetch Archives":
			m.State = FetchingArchives
			m.currentTaskTag = "Fetch"
			taskCmd = m.startFetchTask(m.uiMsgChan)
		case "Process Dates":
			m.State = ProcessingDates
			m.currentTaskTag = "Process"
			taskCmd = m.startProcessTask(m.uiMsgChan)
		case "Inspect Outputs":
			m.State = InspectingOutputs
			m.currentTaskTag = "Inspect"
			taskCmd = m.startInspectTask(m.uiMsgChan)
		case "Exit":
			m.Quitting = true
			m.State = Exiting
			m.uiMsgChan = nil
			return tea.Quit
		default:
			m.uiMsgChan = nil
		}
		return tea.Batch(taskCmd, m.waitForActivityCmd(m.uiMsgChan))
	case "ctrl+c", "q":
		m.Quitting = true
		m.State = Exiting
		return tea.Quit
	}
	return nil
}

func (m *AppModel) waitForActivityCmd(uiMsgChan chan tea.Msg) tea.Cmd {
	if uiMsgChan == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-uiMsgChan
		if !ok {
			return nil
		}
		return msg
	}
}

// --- Task Starters ---

func (m *AppModel) startFetchTask(uiMsgChan chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		go func() {
			startTime := m.taskStartTime
			var finalErr error
			defer func() {
				uiMsgChan <- NewTaskFinished(m.currentTaskTag, startTime, finalErr, "Archive fetch finished.")
				close(uiMsgChan)
			}()
			uiMsgChan <- NewProgress(m.currentTaskTag, 0, 1, "Mirroring raster archives...")
			finalErr = downloader.FetchAll(context.Background(), m.Cfg, m.DB, m.Logger)
		}()
		return nil
	}
}

func (m *AppModel) startProcessTask(uiMsgChan chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		events := make(chan orchestrator.Event)
		runErr := make(chan error, 1)
		go func() {
			dates, err := orchestrator.DiscoverDates(m.Cfg)
			if err != nil {
				close(events)
				runErr <- err
				return
			}
			runErr <- orchestrator.Run(context.Background(), m.Cfg, m.DB, m.Logger, dates, events)
		}()
		go func() {
			startTime := m.taskStartTime
			for ev := range events {
				uiMsgChan <- NewProgress(m.currentTaskTag, int64(ev.DatesFinished), int64(ev.TotalDates), "date "+ev.Date)
				status := "Processing"
				errMsg := ""
				switch ev.Phase {
				case orchestrator.PhaseDone:
					status = "Complete"
				case orchestrator.PhaseSkipped:
					status = "Skipped"
				case orchestrator.PhaseFailed:
					status = "Error"
					if ev.Err != nil {
						errMsg = ev.Err.Error()
					}
				}
				uiMsgChan <- NewDateProgress(ev.Date, status, ev.Elapsed, errMsg)
			}
			// The events channel is closed once the run has returned, so
			// every date update is delivered before the finish message and
			// nothing can send after the close below.
			uiMsgChan <- NewTaskFinished(m.currentTaskTag, startTime, <-runErr, "Date processing finished.")
			close(uiMsgChan)
		}()
		return nil
	}
}

func (m *AppModel) startInspectTask(uiMsgChan chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		go func() {
			startTime := m.taskStartTime
			var finalErr error
			defer func() {
				uiMsgChan <- NewTaskFinished(m.currentTaskTag, startTime, finalErr, "Output inspection finished.")
				close(uiMsgChan)
			}()
			uiMsgChan <- NewProgress(m.currentTaskTag, 0, 1, "Running inspection...")
			finalErr = inspector.InspectParquet(m.Cfg, m.Logger)
		}()
		return nil
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var result strings.Builder
	var currentLine strings.Builder
	for _, word := range strings.Fields(text) {
		if currentLine.Len() > 0 && currentLine.Len()+len(word)+1 > maxWidth {
			result.WriteString(currentLine.String())
			result.WriteString("\n")
			currentLine.Reset()
		}
		if currentLine.Len() > 0 {
			currentLine.WriteString(" ")
		}
		currentLine.WriteString(word)
	}
	result.WriteString(currentLine.String())
	return result.String()
}
