package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/thoughtchain/internal/api"
	"github.com/mattjoyce/thoughtchain/internal/conversation"
	"github.com/mattjoyce/thoughtchain/internal/stream"
)

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiBase := fs.String("api", "http://127.0.0.1:8090", "base URL for the thoughtchain API")
	token := fs.String("token", os.Getenv("THOUGHTCHAIN_TOKEN"), "Bearer token for API auth")
	pollInterval := fs.Duration("poll-interval", 2*time.Second, "poll interval while waiting for an active conversation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("usage: thoughtchain watch [--api <url>] [--token <token>] [--poll-interval <duration>] [conversation_id]")
	}
	if strings.TrimSpace(*token) == "" {
		return fmt.Errorf("token is required (use --token or THOUGHTCHAIN_TOKEN)")
	}
	if *pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}

	cfg := watchConfig{
		ConversationID: fs.Arg(0),
		PollInterval:   *pollInterval,
	}
	p := tea.NewProgram(newWatchModel(cfg, newAPIClient(*apiBase, *token)), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type watchConfig struct {
	ConversationID string
	PollInterval   time.Duration
}

type streamEventMsg struct {
	View conversation.View
	Err  error
	EOF  bool
}

type streamStartedMsg struct{}

type conversationFoundMsg struct {
	ID string
}

type pollTickMsg struct{}

type actionResultMsg struct {
	Action string
	Err    error
}

type watchModel struct {
	cfg          watchConfig
	client       *apiClient
	explicitID   bool
	waiting      bool
	streamEvents chan streamEventMsg
	width        int
	height       int
	connected    bool
	err          error
	actionErr    error
	view         conversation.View
	haveView     bool
	selected     int
	events       []string
}

func newWatchModel(cfg watchConfig, client *apiClient) watchModel {
	return watchModel{
		cfg:          cfg,
		client:       client,
		explicitID:   cfg.ConversationID != "",
		waiting:      cfg.ConversationID == "",
		streamEvents: make(chan streamEventMsg, 32),
	}
}

func (m watchModel) Init() tea.Cmd {
	if m.waiting {
		return pollForConversationCmd(m.client, m.cfg.PollInterval)
	}
	return tea.Batch(
		startEventStreamCmd(m.client, m.cfg.ConversationID, m.streamEvents),
		waitForStreamEventCmd(m.streamEvents),
	)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg.String())
	case pollTickMsg:
		return m, pollForConversationCmd(m.client, m.cfg.PollInterval)
	case conversationFoundMsg:
		m.cfg.ConversationID = msg.ID
		m.waiting = false
		m.haveView = false
		m.selected = 0
		m.streamEvents = make(chan streamEventMsg, 32)
		m.appendEvent(fmt.Sprintf("[%s] following conversation %s", time.Now().Format("15:04:05"), msg.ID))
		return m, tea.Batch(
			startEventStreamCmd(m.client, msg.ID, m.streamEvents),
			waitForStreamEventCmd(m.streamEvents),
		)
	case streamStartedMsg:
		m.connected = true
		return m, nil
	case actionResultMsg:
		m.actionErr = msg.Err
		if msg.Err != nil {
			m.appendEvent(fmt.Sprintf("[%s] %s failed: %v", time.Now().Format("15:04:05"), msg.Action, msg.Err))
		} else {
			m.appendEvent(fmt.Sprintf("[%s] %s ok", time.Now().Format("15:04:05"), msg.Action))
		}
		return m, nil
	case streamEventMsg:
		if msg.Err != nil {
			m.err = msg.Err
			m.appendEvent("stream error: " + msg.Err.Error())
			return m, nil
		}
		if msg.EOF {
			m.appendEvent("stream closed by server")
			return m, m.resetToWaiting()
		}
		m.handleSnapshot(msg.View)
		return m, waitForStreamEventCmd(m.streamEvents)
	default:
		return m, nil
	}
}

func (m watchModel) handleKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	if !m.haveView {
		return m, nil
	}
	id := m.view.ID
	switch key {
	case "up", "k":
		m.moveSelection(-1)
	case "down", "j":
		m.moveSelection(1)
	case "enter", " ":
		step, ok := m.selectedStep()
		if !ok {
			return m, nil
		}
		keys := toggleKey(m.view.Expanded, step.Key)
		return m, actionCmd(m.client, "toggle "+step.Key, http.MethodPut, conversationPath(id, "expanded"), api.ExpandedRequest{Keys: keys})
	case "c":
		if step, ok := m.selectedStep(); ok {
			return m, actionCmd(m.client, "confirm "+step.Key, http.MethodPost, conversationPath(id, "steps", step.Key, "confirm"), nil)
		}
	case "r":
		if step, ok := m.selectedStep(); ok {
			return m, actionCmd(m.client, "reject "+step.Key, http.MethodPost, conversationPath(id, "steps", step.Key, "reject"), nil)
		}
	case "a":
		return m, actionCmd(m.client, "abort", http.MethodPost, conversationPath(id, "abort"), nil)
	}
	return m, nil
}

func (m *watchModel) moveSelection(delta int) {
	m.selected += delta
	m.clampSelection()
}

func (m *watchModel) clampSelection() {
	if m.selected >= len(m.view.Steps) {
		m.selected = len(m.view.Steps) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func (m watchModel) selectedStep() (stream.Step, bool) {
	if m.selected < 0 || m.selected >= len(m.view.Steps) {
		return stream.Step{}, false
	}
	return m.view.Steps[m.selected], true
}

// handleSnapshot stores v and logs stream transitions.
func (m *watchModel) handleSnapshot(v conversation.View) {
	prev := m.view
	first := !m.haveView
	m.view = v
	m.haveView = true
	m.clampSelection()

	ts := time.Now().Format("15:04:05")
	if first {
		m.appendEvent(fmt.Sprintf("[%s] snapshot: %q %d message(s)", ts, v.Label, len(v.Messages)))
		return
	}
	if v.StreamID != prev.StreamID && v.StreamID != "" {
		m.appendEvent(fmt.Sprintf("[%s] stream %s started", ts, shortID(v.StreamID)))
	}
	if v.State != prev.State && v.State != "" {
		m.appendEvent(fmt.Sprintf("[%s] stream %s state=%s steps=%d", ts, shortID(v.StreamID), v.State, len(v.Steps)))
	}
	before := map[string]stream.StepStatus{}
	for _, st := range prev.Steps {
		before[st.Key] = st.Status
	}
	if v.StreamID != prev.StreamID {
		before = map[string]stream.StepStatus{}
	}
	for _, st := range v.Steps {
		old, seen := before[st.Key]
		switch {
		case !seen:
			m.appendEvent(fmt.Sprintf("[%s] step %s %q added", ts, st.Key, st.Title))
		case old != st.Status:
			m.appendEvent(fmt.Sprintf("[%s] step %s %s", ts, st.Key, st.Status))
		}
	}
}

func (m watchModel) View() string {
	accent := lipgloss.Color("#0EA5E9")
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#04121C")).
		Background(accent).
		Padding(0, 1).
		Render("Thoughtchain Watch")

	state := string(m.view.State)
	switch {
	case m.waiting:
		state = "waiting"
	case state == "":
		state = "idle"
	}
	statusStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#04121C")).
		Background(accent).
		Padding(0, 1)
	switch state {
	case "waiting", "idle", string(stream.SessionAborted):
		statusStyle = statusStyle.Background(lipgloss.Color("#6B7280"))
	case string(stream.SessionDone):
		statusStyle = statusStyle.Background(lipgloss.Color("#7DD3FC"))
	case string(stream.SessionFailed):
		statusStyle = statusStyle.Background(lipgloss.Color("#EF4444")).Foreground(lipgloss.Color("#F0F9FF"))
	}

	convLabel := m.cfg.ConversationID
	if convLabel == "" {
		convLabel = "-"
	}
	streamLabel := connectionLabel(m.connected, m.err)
	if m.waiting {
		streamLabel = "polling"
	}
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#7DD3FC")).
		Render(fmt.Sprintf("conversation=%s  label=%q  api=%s  stream=%s", convLabel, m.view.Label, m.client.base, streamLabel))

	footerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#7DD3FC"))
	footer := footerStyle.Render("↑/↓ select  enter expand  c confirm  r reject  a abort  q quit")
	switch {
	case m.err != nil:
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Render("error: " + m.err.Error() + "  q: quit")
	case m.actionErr != nil:
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Render(m.actionErr.Error() + "  " + footer)
	}

	panelWidth := bodyWidth(m.width)
	stepsHeight, messagesHeight, eventsHeight := panelHeights(m.height)

	stepLines := m.stepLines(panelWidth - 4)
	if len(stepLines) == 0 {
		if m.waiting {
			stepLines = []string{"waiting for an active conversation..."}
		} else {
			stepLines = []string{"no stream yet"}
		}
	}
	stepsPanel := renderPanel("Steps", stepLines, panelWidth, stepsHeight, accent, true)
	messagesPanel := renderPanel("Messages", m.messageLines(panelWidth-4), panelWidth, messagesHeight, accent, false)
	eventsPanel := renderPanel("Events", m.events, panelWidth, eventsHeight, accent, false)

	return strings.Join([]string{title + " " + statusStyle.Render(strings.ToUpper(state)), meta, stepsPanel, messagesPanel, eventsPanel, footer}, "\n")
}

// stepLines renders the step chain. Expanded steps show their content below
// the header.
func (m watchModel) stepLines(width int) []string {
	expanded := map[string]bool{}
	for _, k := range m.view.Expanded {
		expanded[k] = true
	}
	var lines []string
	for i, st := range m.view.Steps {
		cursor := "  "
		if i == m.selected {
			cursor = "> "
		}
		marker := "+"
		if expanded[st.Key] {
			marker = "-"
		}
		header := fmt.Sprintf("%s%s %s %s", cursor, marker, statusIcon(st.Status), st.Title)
		if d := compact(st.Description); d != "" {
			header += " · " + d
		}
		lines = append(lines, trimForLog(header, width))
		if !expanded[st.Key] {
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(st.Content, "\n"), "\n") {
			if line == "" {
				continue
			}
			lines = append(lines, trimForLog("      "+line, width))
		}
	}
	return lines
}

func (m watchModel) messageLines(width int) []string {
	lines := make([]string, 0, len(m.view.Messages))
	for _, msg := range m.view.Messages {
		who := "you"
		if msg.Role == conversation.RoleAssistant {
			who = "assistant"
		}
		content := compact(msg.Content)
		if msg.Status == conversation.StatusLoading {
			content = "..."
		}
		lines = append(lines, trimForLog(fmt.Sprintf("%s [%s]: %s", who, msg.Status, content), width))
	}
	if len(lines) == 0 {
		lines = append(lines, "no messages yet")
	}
	return lines
}

// toggleKey returns keys with key added or removed, sorted.
func toggleKey(keys []string, key string) []string {
	out := make([]string, 0, len(keys)+1)
	found := false
	for _, k := range keys {
		if k == key {
			found = true
			continue
		}
		out = append(out, k)
	}
	if !found {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func panelHeights(terminalHeight int) (steps, messages, events int) {
	available := terminalHeight - 5
	if available < 15 {
		available = 15
	}
	messages = 6
	events = 6
	steps = available - messages - events
	if steps < 6 {
		steps = 6
		remaining := available - steps
		messages = remaining / 2
		events = remaining - messages
		if messages < 4 {
			messages = 4
		}
		if events < 4 {
			events = 4
		}
	}
	return steps, messages, events
}

func renderPanel(title string, lines []string, width, height int, accent lipgloss.Color, keepHead bool) string {
	if height < 3 {
		height = 3
	}
	contentHeight := height - 1
	if len(lines) > contentHeight {
		if keepHead {
			lines = trimPanelLines(lines, contentHeight)
		} else {
			lines = lines[len(lines)-contentHeight:]
		}
	}
	padded := append([]string{}, lines...)
	for len(padded) < contentHeight {
		padded = append(padded, "")
	}
	content := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title) + "\n" + strings.Join(padded, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Foreground(lipgloss.Color("#F0F9FF")).
		Background(lipgloss.Color("#04121C")).
		Width(width).
		Height(height).
		Padding(0, 1).
		Render(content)
}

func trimPanelLines(lines []string, maxLines int) []string {
	if maxLines <= 0 {
		return []string{}
	}
	if len(lines) <= maxLines {
		return lines
	}
	trimmed := append([]string{}, lines[:maxLines]...)
	trimmed[maxLines-1] = "..."
	return trimmed
}

func (m *watchModel) appendEvent(line string) {
	m.events = append(m.events, line)
	if len(m.events) > 800 {
		m.events = m.events[len(m.events)-800:]
	}
}

// resetToWaiting goes back to polling for the active conversation. If one was
// named on the command line it quits instead.
func (m *watchModel) resetToWaiting() tea.Cmd {
	if m.explicitID {
		return tea.Quit
	}
	m.cfg.ConversationID = ""
	m.waiting = true
	m.connected = false
	m.err = nil
	m.actionErr = nil
	m.view = conversation.View{}
	m.haveView = false
	m.selected = 0
	return pollForConversationCmd(m.client, m.cfg.PollInterval)
}

func pollForConversationCmd(c *apiClient, pollInterval time.Duration) tea.Cmd {
	return func() tea.Msg {
		if pollInterval <= 0 {
			pollInterval = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var list api.ConversationListResponse
		err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &list)
		cancel()
		if err == nil && list.ActiveID != "" {
			return conversationFoundMsg{ID: list.ActiveID}
		}
		time.Sleep(pollInterval)
		return pollTickMsg{}
	}
}

func actionCmd(c *apiClient, action, method, path string, body any) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return actionResultMsg{Action: action, Err: c.do(ctx, method, path, body, nil)}
	}
}

func startEventStreamCmd(c *apiClient, id string, out chan streamEventMsg) tea.Cmd {
	return func() tea.Msg {
		go streamConversationEvents(c, id, out)
		return streamStartedMsg{}
	}
}

func waitForStreamEventCmd(in <-chan streamEventMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-in
		if !ok {
			return streamEventMsg{EOF: true}
		}
		return msg
	}
}

func streamConversationEvents(c *apiClient, id string, out chan<- streamEventMsg) {
	defer close(out)
	err := c.followEvents(context.Background(), id, func(v conversation.View) (bool, error) {
		out <- streamEventMsg{View: v}
		return false, nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		out <- streamEventMsg{Err: err}
		return
	}
	out <- streamEventMsg{EOF: true}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func trimForLog(s string, max int) string {
	if max <= 0 || len([]rune(s)) <= max {
		return s
	}
	r := []rune(s)
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}

func connectionLabel(connected bool, err error) string {
	if err != nil {
		return "error"
	}
	if connected {
		return "open"
	}
	return "connecting"
}
