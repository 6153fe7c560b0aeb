// ABOUTME: Bubble Tea model for the terminal viewer: metric sparkline, reward state, session metadata.
// ABOUTME: Runs inline (no alt-screen) so scrollback survives, matching the project's other TUIs.
package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// sparkWidth is the number of recent metric samples rendered in the sparkline.
const sparkWidth = 40

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// Model displays the live feedback stream in the terminal.
type Model struct {
	client  *Client
	spinner spinner.Model

	connected bool
	session   string
	lastErr   error

	t          float64
	metric     float64
	threshold  float64
	reward     float64
	rewardRate float64
	phase      string

	artifactBad bool
	badChannels int

	metrics []float64 // recent metric history for the sparkline

	subject  string
	protocol string

	width int
}

// NewModel creates a viewer model reading from client.
func NewModel(client *Client) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{client: client, spinner: sp}
}

// waitForMsg blocks on the client channel and hands the next message to
// Update.
func (m Model) waitForMsg() tea.Msg {
	return <-m.client.Messages()
}

// Init starts the spinner and the client message pump.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForMsg)
}

// Update handles key presses, spinner ticks, and client messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ConnectedMsg:
		m.connected = true
		m.session = msg.Session
		m.lastErr = nil
		return m, m.waitForMsg

	case DisconnectedMsg:
		m.connected = false
		m.lastErr = msg.Err
		return m, m.waitForMsg

	case FeedbackMsg:
		if msg.Reset {
			m.metrics = nil
		}
		for _, f := range msg.Frames {
			m.t = f.T
			m.metric = f.Metric
			m.threshold = f.Threshold
			m.reward = f.Reward
			m.rewardRate = f.RewardRate
			if f.Phase != nil {
				m.phase = *f.Phase
			}
			m.metrics = append(m.metrics, f.Metric)
		}
		if len(m.metrics) > sparkWidth {
			m.metrics = m.metrics[len(m.metrics)-sparkWidth:]
		}
		return m, m.waitForMsg

	case ArtifactMsg:
		for _, f := range msg.Frames {
			m.artifactBad = f.Bad
			m.badChannels = f.BadChannels
		}
		return m, m.waitForMsg

	case MetaMsg:
		if rm := msg.Snapshot.RunMeta; rm != nil && rm.Data != nil {
			if v, ok := rm.Data["subject"].(string); ok {
				m.subject = v
			}
			if v, ok := rm.Data["protocol"].(string); ok {
				m.protocol = v
			}
		}
		return m, m.waitForMsg
	}
	return m, nil
}

// View renders the inline dashboard.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("rtdash watch"))
	b.WriteString("\n\n")

	if !m.connected {
		b.WriteString(m.spinner.View())
		b.WriteString(disconnectedStyle.Render(" connecting"))
		if m.lastErr != nil {
			b.WriteString(disconnectedStyle.Render(fmt.Sprintf(" (%v)", m.lastErr)))
		}
		b.WriteString("\n")
		return b.String()
	}

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	row("time", fmt.Sprintf("%.1f s", m.t))
	row("metric", fmt.Sprintf("%.4f  (threshold %.4f)", m.metric, m.threshold))
	row("reward rate", fmt.Sprintf("%.0f %%", m.rewardRate*100))
	if m.phase != "" {
		row("phase", m.phase)
	}
	if m.subject != "" {
		row("subject", m.subject)
	}
	if m.protocol != "" {
		row("protocol", m.protocol)
	}

	b.WriteString(labelStyle.Render("reward"))
	if m.reward > 0.5 {
		b.WriteString(rewardOnStyle.Render("● ON"))
	} else {
		b.WriteString(rewardOffStyle.Render("○ off"))
	}
	b.WriteString("\n")

	if m.artifactBad {
		b.WriteString(labelStyle.Render("artifact"))
		b.WriteString(artifactBadStyle.Render(fmt.Sprintf("GATED (%d bad channels)", m.badChannels)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(sparkStyle.Render(sparkline(m.metrics)))
	b.WriteString("\n\n")
	b.WriteString(statusBarStyle.Render(fmt.Sprintf("session %s  ·  q to quit", shortSession(m.session))))
	b.WriteString("\n")
	return b.String()
}

// sparkline renders values as block-element runes scaled to their own
// min/max range.
func sparkline(values []float64) string {
	if len(values) == 0 {
		return strings.Repeat(" ", sparkWidth)
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	var b strings.Builder
	for _, v := range values {
		idx := 0
		if span > 0 {
			idx = int((v - lo) / span * float64(len(sparkRunes)-1))
		}
		b.WriteRune(sparkRunes[idx])
	}
	return b.String()
}

func shortSession(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
