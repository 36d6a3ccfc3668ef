package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/adamgarcia4/goLearning/gms/logger"
	"github.com/adamgarcia4/goLearning/gms/node"
)

const (
	visibleLogLines = 15
	maxLogScroll    = 100
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start interactive node manager",
	Long: `Start an interactive terminal UI running a local cluster. Every node
after the first one joins through the first.

Keyboard shortcuts:
  C - Create a new node
  D - Delete a node (shows selection menu)
  R - Run a gossip round on every node
  L - Pause or resume writing logs to --log-file
  Q - Quit

Examples:
  gms interactive
  gms interactive --log-file=gms.log`,
	RunE: runInteractive,
}

var logFile string

func init() {
	rootCmd.AddCommand(interactiveCmd)
	interactiveCmd.Flags().StringVar(&logFile, "log-file", "", "Also append logs to this file")
}

type model struct {
	manager      *node.Manager
	nodes        []*node.Node
	deleteMode   bool
	selected     int
	err          error
	logBuffer    *logger.LogBuffer
	logScroll    int // for scrolling logs
	width        int
	height       int
	lastCommand  string // Track last command for repeat (Enter key)
	numericInput string // Buffer for multi-digit numeric input in delete mode
	logsPaused   bool
}

func initialModel(level logrus.Level) model {
	// No stdout: the UI owns the terminal and renders the log buffer instead
	logBuffer := logger.GetGlobalLogBuffer()
	logger.Init(level, false)
	if err := logger.AddHook(logger.NewBufferHook(logBuffer, level)); err != nil {
		panic(err)
	}

	return model{
		manager:   node.NewManager(),
		logBuffer: logBuffer,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), refreshNodes(m.manager))
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

type tickMsg struct{}

func refreshNodes(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		return nodesUpdatedMsg{nodes: manager.GetNodes()}
	}
}

type nodesUpdatedMsg struct {
	nodes []*node.Node
}

type shutdownCompleteMsg struct {
	err error
}

type roundCompleteMsg struct {
	err error
}

// shutdownNodes stops all nodes and sends a message when complete
func shutdownNodes(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		return shutdownCompleteMsg{err: manager.StopAll()}
	}
}

func gossipRound(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return roundCompleteMsg{err: manager.RoundAll(ctx)}
	}
}

func (m model) createNode() model {
	n, err := m.manager.CreateNode()
	if err != nil {
		m.err = err
		return m
	}
	logger.Infof("Created %s at %s", n.GetConfig().NodeID, n.Address())
	m.err = nil
	m.nodes = m.manager.GetNodes()
	return m
}

func (m model) deleteNode(index int) model {
	if err := m.manager.DeleteNode(index); err != nil {
		m.err = err
		return m
	}
	logger.Infof("Deleted node %d", index+1)
	m.nodes = m.manager.GetNodes()
	m.deleteMode = false
	m.selected = 0
	m.err = nil
	m.lastCommand = fmt.Sprintf("delete:%d", index)
	return m
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			// Stop all nodes gracefully and wait for completion
			return m, shutdownNodes(m.manager)
		}

		if m.deleteMode {
			return m.handleDeleteMode(msg)
		}

		switch msg.String() {
		case "c", "C":
			m = m.createNode()
			if m.err == nil {
				m.lastCommand = "create"
			}
			return m, nil

		case "r", "R":
			m.lastCommand = "round"
			return m, gossipRound(m.manager)

		case "l", "L":
			return m.toggleLogOutput(), nil

		case "d", "D":
			if len(m.nodes) == 0 {
				m.err = fmt.Errorf("no nodes to delete")
				return m, nil
			}
			m.deleteMode = true
			m.selected = 0
			m.numericInput = ""
			return m, nil

		case "enter":
			return m.repeatLastCommand()

		case "esc":
			m.err = nil
			return m, nil

		case "up", "k":
			// Scroll logs up (show older logs)
			maxScroll := len(m.logBuffer.GetAll()) - visibleLogLines
			if maxScroll > maxLogScroll {
				maxScroll = maxLogScroll
			}
			if m.logScroll < maxScroll {
				m.logScroll++
			}
			return m, nil

		case "down", "j":
			if m.logScroll > 0 {
				m.logScroll--
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(tick(), refreshNodes(m.manager))

	case nodesUpdatedMsg:
		m.nodes = msg.nodes
		return m, nil

	case roundCompleteMsg:
		m.err = msg.err
		return m, refreshNodes(m.manager)

	case shutdownCompleteMsg:
		if msg.err != nil {
			logger.Errorf("Error stopping nodes during shutdown: %v", msg.err)
		}
		return m, tea.Quit
	}

	return m, nil
}

// toggleLogOutput pauses the stdout and file outputs. The buffer shown in
// the UI keeps recording.
func (m model) toggleLogOutput() model {
	if err := logger.SetEnabled(m.logsPaused); err != nil {
		m.err = err
		return m
	}
	m.logsPaused = !m.logsPaused
	m.err = nil
	return m
}

func (m model) repeatLastCommand() (tea.Model, tea.Cmd) {
	switch {
	case m.lastCommand == "create":
		return m.createNode(), nil
	case m.lastCommand == "round":
		return m, gossipRound(m.manager)
	case strings.HasPrefix(m.lastCommand, "delete:"):
		index, err := strconv.Atoi(strings.TrimPrefix(m.lastCommand, "delete:"))
		if err != nil {
			return m, nil
		}
		if index < 0 || index >= len(m.nodes) {
			m.err = fmt.Errorf("node index %d no longer exists", index+1)
			return m, nil
		}
		return m.deleteNode(index), nil
	}
	return m, nil
}

func (m model) handleDeleteMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.deleteMode = false
		m.selected = 0
		m.err = nil
		m.numericInput = ""
		return m, nil

	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case "down", "j":
		if m.selected < len(m.nodes)-1 {
			m.selected++
		}
		return m, nil

	case "enter", " ":
		if m.numericInput == "" {
			return m.deleteNode(m.selected), nil
		}
		input := m.numericInput
		m.numericInput = ""
		num, err := strconv.Atoi(input)
		if err != nil {
			m.err = fmt.Errorf("invalid number: %s", input)
			return m, nil
		}
		if num < 1 || num > len(m.nodes) {
			m.err = fmt.Errorf("node %d does not exist (max: %d)", num, len(m.nodes))
			return m, nil
		}
		return m.deleteNode(num - 1), nil

	default:
		key := msg.String()
		if len(key) == 1 && key >= "0" && key <= "9" {
			m.numericInput += key
			m.err = nil
			return m, nil
		}
		m.numericInput = ""
		return m, nil
	}
}

// nodeLine summarises what a node currently believes about the cluster.
func nodeLine(i int, n *node.Node) string {
	config := n.GetConfig()
	g := n.Gossiper()
	if g == nil {
		return fmt.Sprintf("[%d] %s %s (starting)", i+1, config.NodeID, n.Address())
	}
	view := g.View()
	status := view.Endpoints[view.Local].Status()
	return fmt.Sprintf("[%d] %-8s %-16s %-8s gen %d  live %d  unreachable %d",
		i+1, config.NodeID, n.Address(), status, g.Generation(), len(view.Live), len(view.Unreachable))
}

func (m model) View() string {
	var s strings.Builder

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Padding(1, 2)
	s.WriteString(titleStyle.Render("Gossip Node Manager"))
	s.WriteString("\n\n")

	if m.err != nil {
		errorStyle := lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
		s.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		s.WriteString("\n\n")
	}

	if len(m.nodes) == 0 {
		s.WriteString("No nodes running.\n\n")
	} else {
		s.WriteString("Running Nodes:\n\n")
		selectedStyle := lipgloss.NewStyle().
			PaddingLeft(2).
			Foreground(lipgloss.Color("196")).
			Bold(true)
		for i, n := range m.nodes {
			if m.deleteMode && i == m.selected {
				s.WriteString(selectedStyle.Render("> " + nodeLine(i, n)))
			} else {
				s.WriteString("    " + nodeLine(i, n))
			}
			s.WriteString("\n")
		}
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(m.renderLogs())
	s.WriteString("\n\n")

	instructionsStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true).
		PaddingTop(1)

	if m.deleteMode {
		helpText := fmt.Sprintf("DELETE MODE: Use ↑/↓/j/k or type node number (1-%d), Enter to confirm, Esc to cancel", len(m.nodes))
		if m.numericInput != "" {
			helpText = fmt.Sprintf("DELETE MODE: Type node number (current: %s) or Enter to confirm, Esc to cancel", m.numericInput)
		}
		s.WriteString(instructionsStyle.Render(helpText))
	} else {
		instructionText := "Press C to create a node | D to delete a node | R to gossip"
		if m.logsPaused {
			instructionText += " | L to resume log output"
		} else {
			instructionText += " | L to pause log output"
		}
		if m.lastCommand != "" {
			instructionText += fmt.Sprintf(" | Enter to repeat (%s)", formatCommandPreview(m.lastCommand))
		} else {
			instructionText += " | Enter to repeat last command"
		}
		instructionText += " | ↑/↓/j/k to scroll logs | Q to quit"
		s.WriteString(instructionsStyle.Render(instructionText))
	}

	return s.String()
}

// renderLogs shows the newest entries first; line 0 is the most recent
// entry and scrolling moves the window back in time.
func (m model) renderLogs() string {
	entries := m.logBuffer.GetAll()
	total := len(entries)

	var lines []string
	if total == 0 {
		lines = []string{"     | (no logs yet)"}
	}
	end := total - m.logScroll
	if end < 0 {
		end = 0
	}
	start := end - visibleLogLines
	if start < 0 {
		start = 0
	}
	for i := end - 1; i >= start; i-- {
		lines = append(lines, fmt.Sprintf("%4d | %s", total-1-i, logger.FormatLogEntry(entries[i])))
	}

	boxWidth := 100
	if m.width > 0 {
		boxWidth = m.width - 4
	}
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Height(visibleLogLines - 2).
		Width(boxWidth)

	return logStyle.Render("Logs:\n" + strings.Join(lines, "\n"))
}

// formatCommandPreview formats the last command for display
func formatCommandPreview(lastCommand string) string {
	switch {
	case strings.HasPrefix(lastCommand, "delete:"):
		if index, err := strconv.Atoi(strings.TrimPrefix(lastCommand, "delete:")); err == nil {
			return fmt.Sprintf("D → %d", index+1)
		}
		return "D → [node]"
	case lastCommand == "create":
		return "C"
	case lastCommand == "round":
		return "R"
	}
	return lastCommand
}

func runInteractive(cmd *cobra.Command, args []string) error {
	level, err := parseLogLevel()
	if err != nil {
		return err
	}
	m := initialModel(level)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		if err := logger.AddOutput(f); err != nil {
			return err
		}
		defer func() { _ = logger.RemoveOutput(f) }()
	}

	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running interactive mode: %w", err)
	}
	return nil
}
