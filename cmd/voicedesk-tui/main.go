// VoiceDesk TUI - terminal client for the onboarding gateway.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	sessionHeaderName  = "X-VoiceDesk-Session-ID"
	defaultBaseURL     = "http://127.0.0.1:8080"
	defaultPollEvery   = 5 * time.Second
	streamRetryBackoff = 3 * time.Second
)

type appConfig struct {
	baseURL      string
	sessionID    string
	pollInterval time.Duration
	altScreen    bool
}

// Wire types mirroring the gateway's JSON responses.

type transcriptEntry struct {
	ID      string `json:"id"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Partial bool   `json:"partial"`
}

type notification struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type sessionSnapshot struct {
	State         string            `json:"state"`
	LastError     string            `json:"last_error"`
	Stage         string            `json:"stage"`
	StageLabel    string            `json:"stage_label"`
	AgentSpeaking bool              `json:"agent_speaking"`
	Transcript    []transcriptEntry `json:"transcript"`
	Notifications []notification    `json:"notifications"`
}

type connectorEvent struct {
	Kind         string           `json:"kind"`
	State        string           `json:"state,omitempty"`
	Error        string           `json:"error,omitempty"`
	Stage        string           `json:"stage,omitempty"`
	Entry        *transcriptEntry `json:"entry,omitempty"`
	Notification *notification    `json:"notification,omitempty"`
	Speaking     *bool            `json:"speaking,omitempty"`
}

type stageEntry struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Label string `json:"label"`
}

type paymentOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Recommended bool   `json:"recommended"`
}

// apiClient talks to the gateway, carrying the anonymous identity cookie
// and the tab session header on every request.
type apiClient struct {
	baseURL     string
	sessionID   string
	http        *http.Client
	lastEventID atomic.Int64
}

func newAPIClient(cfg appConfig) (*apiClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL:   strings.TrimRight(cfg.baseURL, "/"),
		sessionID: cfg.sessionID,
		http:      &http.Client{Jar: jar, Timeout: 15 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeaderName, c.sessionID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) getSession() (sessionSnapshot, error) {
	var snap sessionSnapshot
	err := c.do(http.MethodGet, "/api/session", nil, &snap)
	return snap, err
}

func (c *apiClient) stages() ([]stageEntry, error) {
	var out struct {
		Stages []stageEntry `json:"stages"`
	}
	err := c.do(http.MethodGet, "/api/catalog/stages", nil, &out)
	return out.Stages, err
}

func (c *apiClient) payments() ([]paymentOption, error) {
	var out struct {
		Payments []paymentOption `json:"payments"`
	}
	err := c.do(http.MethodGet, "/api/catalog/payments", nil, &out)
	return out.Payments, err
}

func (c *apiClient) connect() (sessionSnapshot, error) {
	var snap sessionSnapshot
	err := c.do(http.MethodPost, "/api/session/connect", nil, &snap)
	return snap, err
}

func (c *apiClient) disconnect() (sessionSnapshot, error) {
	var snap sessionSnapshot
	err := c.do(http.MethodPost, "/api/session/disconnect", nil, &snap)
	return snap, err
}

func (c *apiClient) selectPayment(selection string) error {
	return c.do(http.MethodPost, "/api/session/payment", map[string]string{"selection": selection}, nil)
}

func (c *apiClient) moveStage(direction string) error {
	return c.do(http.MethodPost, "/api/session/stage/"+direction, nil, nil)
}

// streamEvents reads the SSE event stream and forwards parsed events to
// inbound. It returns when the stream ends or ctx is canceled.
func (c *apiClient) streamEvents(ctx context.Context, inbound chan<- tea.Msg) error {
	url := c.baseURL + "/api/session/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeaderName, c.sessionID)
	if last := c.lastEventID.Load(); last > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", last))
	}

	// SSE connections outlive the normal request timeout.
	streamClient := &http.Client{Jar: c.http.Jar}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: HTTP %d", resp.StatusCode)
	}

	inbound <- streamStatusMsg{connected: true}

	var eventName string
	var data strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			c.dispatch(eventName, data.String(), inbound)
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "id: "):
			var id int64
			if _, err := fmt.Sscanf(strings.TrimPrefix(line, "id: "), "%d", &id); err == nil {
				c.lastEventID.Store(id)
			}
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}

func (c *apiClient) dispatch(eventName, data string, inbound chan<- tea.Msg) {
	switch eventName {
	case "snapshot":
		var snap sessionSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err == nil {
			inbound <- snapshotMsg{snapshot: snap}
		}
	case "message":
		var ev connectorEvent
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			inbound <- streamEventMsg{event: ev}
		}
	case "ping":
		// keepalive, nothing to do
	}
}

// Bubbletea messages.

type initDoneMsg struct {
	stages   []stageEntry
	payments []paymentOption
	snapshot sessionSnapshot
	err      error
}

type actionDoneMsg struct {
	status   string
	snapshot *sessionSnapshot
	err      error
}

type snapshotMsg struct {
	snapshot sessionSnapshot
}

type streamEventMsg struct {
	event connectorEvent
}

type streamStatusMsg struct {
	connected bool
	info      string
}

type tickMsg time.Time

type uiTheme struct {
	header       lipgloss.Style
	stateOK      lipgloss.Style
	stateBad     lipgloss.Style
	stepActive   lipgloss.Style
	stepInactive lipgloss.Style
	panel        lipgloss.Style
	footer       lipgloss.Style
	notice       lipgloss.Style
	speakers     map[string]lipgloss.Style
	partial      lipgloss.Style
	payment      lipgloss.Style
	paymentPick  lipgloss.Style
}

func newTheme() uiTheme {
	indigo := lipgloss.Color("#7c7cff")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	muted := lipgloss.Color("#9ca3d8")
	text := lipgloss.Color("#f3f3ff")

	return uiTheme{
		header: lipgloss.NewStyle().
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(indigo).
			Padding(0, 1),
		stateOK:  lipgloss.NewStyle().Foreground(mint).Bold(true),
		stateBad: lipgloss.NewStyle().Foreground(pink).Bold(true),
		stepActive: lipgloss.NewStyle().
			Background(indigo).
			Foreground(text).
			Bold(true).
			Padding(0, 1),
		stepInactive: lipgloss.NewStyle().
			Foreground(muted).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(indigo).
			Padding(0, 1),
		footer: lipgloss.NewStyle().Foreground(muted),
		notice: lipgloss.NewStyle().Foreground(mint),
		speakers: map[string]lipgloss.Style{
			"user":   lipgloss.NewStyle().Foreground(mint).Bold(true),
			"agent":  lipgloss.NewStyle().Foreground(indigo).Bold(true),
			"system": lipgloss.NewStyle().Foreground(muted).Italic(true),
		},
		partial:     lipgloss.NewStyle().Foreground(muted),
		payment:     lipgloss.NewStyle().Foreground(text),
		paymentPick: lipgloss.NewStyle().Foreground(pink).Bold(true),
	}
}

type model struct {
	cfg    appConfig
	client *apiClient

	ready      bool
	startupErr error
	statusLine string

	state         string
	lastError     string
	stage         string
	agentSpeaking bool
	stages        []stageEntry
	payments      []paymentOption
	transcript    []transcriptEntry
	notice        string

	streaming bool
	inbound   chan tea.Msg

	width  int
	height int

	timeline viewport.Model
	spinner  spinner.Model
	theme    uiTheme
}

func newModel(cfg appConfig, client *apiClient) model {
	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true

	return model{
		cfg:        cfg,
		client:     client,
		statusLine: "starting...",
		state:      "disconnected",
		inbound:    make(chan tea.Msg, 64),
		timeline:   timeline,
		spinner:    sp,
		theme:      newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.initCmd(),
		tickEvery(m.cfg.pollInterval),
	)
}

func (m model) initCmd() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		stages, err := client.stages()
		if err != nil {
			return initDoneMsg{err: err}
		}
		payments, err := client.payments()
		if err != nil {
			return initDoneMsg{err: err}
		}
		snap, err := client.getSession()
		if err != nil {
			return initDoneMsg{err: err}
		}
		return initDoneMsg{stages: stages, payments: payments, snapshot: snap}
	}
}

func (m model) startStream() tea.Cmd {
	client := m.client
	inbound := m.inbound
	return func() tea.Msg {
		go func() {
			for {
				err := client.streamEvents(context.Background(), inbound)
				info := ""
				if err != nil {
					info = err.Error()
				}
				inbound <- streamStatusMsg{connected: false, info: info}
				time.Sleep(streamRetryBackoff)
			}
		}()
		return waitInbound(inbound)()
	}
}

func waitInbound(inbound chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-inbound
	}
}

func tickEvery(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		interval = defaultPollEvery
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) refreshCmd() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		snap, err := client.getSession()
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{snapshot: &snap}
	}
}

func (m model) connectCmd() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		snap, err := client.connect()
		if err != nil {
			return actionDoneMsg{status: "connect failed", err: err}
		}
		return actionDoneMsg{status: "voice session connected", snapshot: &snap}
	}
}

func (m model) disconnectCmd() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		snap, err := client.disconnect()
		if err != nil {
			return actionDoneMsg{status: "disconnect failed", err: err}
		}
		return actionDoneMsg{status: "voice session ended", snapshot: &snap}
	}
}

func (m model) stageCmd(direction string) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		if err := client.moveStage(direction); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "stage " + direction}
	}
}

func (m model) paymentCmd(selection, label string) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		if err := client.selectPayment(selection); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: "selected " + label}
	}
}

func (m *model) applySnapshot(snap sessionSnapshot) {
	m.state = snap.State
	m.lastError = snap.LastError
	if snap.Stage != "" {
		m.stage = snap.Stage
	}
	m.agentSpeaking = snap.AgentSpeaking
	m.transcript = snap.Transcript
	if n := len(snap.Notifications); n > 0 {
		m.notice = snap.Notifications[n-1].Text
	}
	m.renderTimeline()
}

// applyEntry appends a transcript entry, or replaces the one with the same
// ID when a partial line gets updated or finalized.
func (m *model) applyEntry(entry transcriptEntry) {
	for i := range m.transcript {
		if m.transcript[i].ID == entry.ID {
			m.transcript[i] = entry
			m.renderTimeline()
			return
		}
	}
	m.transcript = append(m.transcript, entry)
	m.renderTimeline()
}

func (m *model) applyEvent(ev connectorEvent) {
	switch ev.Kind {
	case "connection":
		m.state = ev.State
		m.lastError = ev.Error
	case "stage":
		m.stage = ev.Stage
	case "transcript":
		if ev.Entry != nil {
			m.applyEntry(*ev.Entry)
		}
	case "notification":
		if ev.Notification != nil {
			m.notice = ev.Notification.Text
		}
	case "speaking":
		if ev.Speaking != nil {
			m.agentSpeaking = *ev.Speaking
		}
	}
}

func (m *model) renderTimeline() {
	var b strings.Builder
	for _, entry := range m.transcript {
		style, ok := m.theme.speakers[entry.Speaker]
		if !ok {
			style = m.theme.speakers["agent"]
		}
		prefix := style.Render(entry.Speaker + ":")
		text := entry.Text
		if entry.Partial {
			text = m.theme.partial.Render(text + " …")
		}
		if entry.Speaker == "system" {
			b.WriteString(style.Render("· "+entry.Text) + "\n")
			continue
		}
		b.WriteString(prefix + " " + text + "\n")
	}
	m.timeline.SetContent(b.String())
	m.timeline.GotoBottom()
}

func (m *model) resize() {
	headerHeight := 3
	stepperHeight := 1
	footerHeight := 4
	m.timeline.Width = maxInt(20, m.width-4)
	m.timeline.Height = maxInt(5, m.height-headerHeight-stepperHeight-footerHeight-2)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case initDoneMsg:
		if msg.err != nil {
			m.startupErr = msg.err
			m.statusLine = "startup failed: " + msg.err.Error()
			return m, nil
		}
		m.ready = true
		m.stages = msg.stages
		m.payments = msg.payments
		m.applySnapshot(msg.snapshot)
		m.statusLine = "ready"
		cmds = append(cmds, m.startStream())

	case actionDoneMsg:
		if msg.err != nil {
			m.statusLine = msg.err.Error()
		} else if msg.status != "" {
			m.statusLine = msg.status
		}
		if msg.snapshot != nil {
			m.applySnapshot(*msg.snapshot)
		}

	case snapshotMsg:
		m.applySnapshot(msg.snapshot)
		cmds = append(cmds, waitInbound(m.inbound))

	case streamEventMsg:
		m.applyEvent(msg.event)
		m.renderTimeline()
		cmds = append(cmds, waitInbound(m.inbound))

	case streamStatusMsg:
		m.streaming = msg.connected
		if !msg.connected && msg.info != "" {
			m.statusLine = "stream lost: " + msg.info
		}
		cmds = append(cmds, waitInbound(m.inbound))

	case tickMsg:
		// Poll as a fallback when the stream is down.
		if m.ready && !m.streaming {
			cmds = append(cmds, m.refreshCmd())
		}
		cmds = append(cmds, tickEvery(m.cfg.pollInterval))

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderTimeline()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			m.statusLine = "connecting..."
			cmds = append(cmds, m.connectCmd())
		case "d":
			cmds = append(cmds, m.disconnectCmd())
		case "n", "right":
			cmds = append(cmds, m.stageCmd("next"))
		case "p", "left":
			cmds = append(cmds, m.stageCmd("previous"))
		case "1", "2", "3", "4":
			idx := int(msg.String()[0] - '1')
			if m.stage == "payment_selection" && idx < len(m.payments) {
				opt := m.payments[idx]
				cmds = append(cmds, m.paymentCmd(opt.ID, opt.Label))
			}
		default:
			var cmd tea.Cmd
			m.timeline, cmd = m.timeline.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if m.startupErr != nil {
		return "voicedesk-tui: " + m.startupErr.Error() + "\npress q to quit\n"
	}
	if !m.ready {
		return m.spinner.View() + " contacting gateway...\n"
	}

	stateStyle := m.theme.stateOK
	stateText := m.state
	if m.lastError != "" {
		stateStyle = m.theme.stateBad
		stateText = m.state + " — " + m.lastError
	}
	speaking := ""
	if m.agentSpeaking {
		speaking = "  " + m.spinner.View() + " agent speaking"
	}
	header := m.theme.header.Width(maxInt(20, m.width-2)).Render(
		"VoiceDesk onboarding   " + stateStyle.Render(stateText) + speaking)

	var steps []string
	for _, s := range m.stages {
		if s.ID == m.stage {
			steps = append(steps, m.theme.stepActive.Render(s.Label))
		} else {
			steps = append(steps, m.theme.stepInactive.Render(s.Label))
		}
	}
	stepper := lipgloss.JoinHorizontal(lipgloss.Top, steps...)

	panel := m.theme.panel.Width(maxInt(20, m.width-2)).Render(m.timeline.View())

	var footer strings.Builder
	if m.notice != "" {
		footer.WriteString(m.theme.notice.Render(m.notice) + "\n")
	}
	if m.stage == "payment_selection" {
		var opts []string
		for i, opt := range m.payments {
			label := fmt.Sprintf("[%d] %s", i+1, opt.Label)
			if opt.Recommended {
				opts = append(opts, m.theme.paymentPick.Render(label+" ★"))
			} else {
				opts = append(opts, m.theme.payment.Render(label))
			}
		}
		footer.WriteString(strings.Join(opts, "  ") + "\n")
	}
	footer.WriteString(m.theme.footer.Render(
		"c connect · d disconnect · ←/p back · →/n next · 1-4 pay · q quit   " + m.statusLine))

	return lipgloss.JoinVertical(lipgloss.Left, header, stepper, panel, footer.String()) + "\n"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func loadConfig() appConfig {
	cfg := appConfig{}
	flag.StringVar(&cfg.baseURL, "url", defaultBaseURL, "VoiceDesk gateway base URL")
	flag.StringVar(&cfg.sessionID, "session", "", "tab session ID (default: generated)")
	flag.DurationVar(&cfg.pollInterval, "poll", defaultPollEvery, "fallback poll interval when the stream is down")
	flag.BoolVar(&cfg.altScreen, "alt-screen", true, "run in the terminal alternate screen")
	flag.Parse()

	if strings.TrimSpace(cfg.sessionID) == "" {
		cfg.sessionID = fmt.Sprintf("tui-%d", time.Now().UnixNano())
	}
	return cfg
}

func main() {
	cfg := loadConfig()
	client, err := newAPIClient(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "voicedesk-tui:", err)
		os.Exit(1)
	}

	opts := []tea.ProgramOption{tea.WithMouseCellMotion()}
	if cfg.altScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(newModel(cfg, client), opts...)
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "voicedesk-tui:", err)
		os.Exit(1)
	}
}
