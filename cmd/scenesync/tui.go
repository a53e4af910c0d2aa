package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/tomaslejdung/scenesync/pkg/pool"
	"github.com/tomaslejdung/scenesync/pkg/protocol"
	"github.com/tomaslejdung/scenesync/pkg/registry"
)

// frameMsg drives one reconciliation tick
type frameMsg time.Time

// connectFailedMsg indicates the relay connection could not be opened
type connectFailedMsg struct {
	err string
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	roomStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// logBuffer collects lines from callbacks running on network goroutines;
// the view drains it on every frame.
type logBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *logBuffer) Add(format string, args ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	line := time.Now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	b.lines = append(b.lines, line)
	if len(b.lines) > 100 {
		b.lines = b.lines[len(b.lines)-100:]
	}
}

func (b *logBuffer) Last(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.lines) <= n {
		return append([]string(nil), b.lines...)
	}
	return append([]string(nil), b.lines[len(b.lines)-n:]...)
}

type model struct {
	pool   *pool.Pool
	scene  *demoScene
	room   string
	config Config
	logs   *logBuffer

	localID  string
	avatarID string
	peers    []pool.PeerInfo
	objects  []registry.Info
	selected int
	errText  string
	width    int
	height   int
}

// RunTUI runs the interactive session view. It owns the frame tick that
// drives the pool's reconciliation loop.
func RunTUI(p *pool.Pool, scene *demoScene, room string, config Config) error {
	logs := &logBuffer{}

	p.SetIdentityCallback(func(id string) {
		logs.Add("identity assigned: %s", id)
	})
	p.SetPeerConnectedCallback(func(id string) {
		logs.Add("peer connected: %s", id)
	})
	p.SetPeerDisconnectedCallback(func(id string) {
		logs.Add("peer disconnected: %s", id)
	})
	p.SetErrorCallback(func(err error) {
		logs.Add("error: %v", err)
	})
	p.Registry().SetAddedCallback(func(id string) {
		logs.Add("object added: %s", id)
	})
	p.Registry().SetRemovedCallback(func(id string) {
		logs.Add("object removed: %s", id)
	})

	m := model{
		pool:     p,
		scene:    scene,
		room:     room,
		config:   config,
		logs:     logs,
		avatarID: "avatar-" + uuid.NewString()[:8],
	}

	program := tea.NewProgram(m, tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.connectCmd(), m.frameCmd())
}

// connectCmd dials the relay and announces the local avatar. The avatar add
// is cached by the registry until the relay assigns the identity.
func (m model) connectCmd() tea.Cmd {
	p := m.pool
	avatarID := m.avatarID
	avatarPath := m.config.Avatar
	return func() tea.Msg {
		if err := p.Connect(); err != nil {
			return connectFailedMsg{err: err.Error()}
		}
		p.Registry().AddObject(registry.Descriptor{
			ID:       avatarID,
			Kind:     protocol.ByPath,
			Value:    avatarPath,
			IsAvatar: true,
		}, "")
		return nil
	}
}

func (m model) frameCmd() tea.Cmd {
	fps := m.config.FPS
	if fps <= 0 {
		fps = 30
	}
	return tea.Tick(time.Second/time.Duration(fps), func(t time.Time) tea.Msg {
		return frameMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case connectFailedMsg:
		m.errText = msg.err
		return m, nil

	case frameMsg:
		m.pool.Tick()
		m.localID = m.pool.LocalID()
		m.peers = m.pool.Peers()
		m.objects = m.pool.Registry().Objects()
		if m.selected >= len(m.objects) {
			m.selected = len(m.objects) - 1
		}
		if m.selected < 0 {
			m.selected = 0
		}
		return m, m.frameCmd()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.pool.Close()
		return m, tea.Quit

	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}

	case "down", "j":
		if m.selected < len(m.objects)-1 {
			m.selected++
		}

	case "n":
		id := "prop-" + uuid.NewString()[:8]
		m.pool.Registry().AddObject(registry.Descriptor{
			ID:    id,
			Kind:  protocol.ByPath,
			Value: "assets/cube.glb",
		}, "")
		m.logs.Add("created %s", id)

	case "g":
		if obj, ok := m.selectedObject(); ok {
			if m.pool.Registry().GrabOwnershipID(obj.ID) {
				m.logs.Add("grabbed %s", obj.ID)
			} else {
				m.logs.Add("grab of %s refused", obj.ID)
			}
		}

	case "x":
		if obj, ok := m.selectedObject(); ok {
			m.pool.Registry().RemoveObject(obj.ID)
		}

	case "left":
		m.nudgeSelected(-0.1)

	case "right":
		m.nudgeSelected(0.1)
	}

	return m, nil
}

func (m model) selectedObject() (registry.Info, bool) {
	if m.selected < 0 || m.selected >= len(m.objects) {
		return registry.Info{}, false
	}
	return m.objects[m.selected], true
}

// nudgeSelected moves a locally owned object; the change is picked up from
// its node and broadcast on the next tick.
func (m model) nudgeSelected(dx float64) {
	obj, ok := m.selectedObject()
	if !ok || obj.Owner != m.localID || m.localID == "" {
		return
	}
	if node, found := m.scene.Node(obj.ID); found {
		node.Nudge(dx, 0, 0)
	}
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("SceneSync") + "  ")
	b.WriteString(roomStyle.Render(m.room) + "  ")
	if m.localID != "" {
		b.WriteString(statusStyle.Render("you: " + m.localID))
	} else {
		b.WriteString(dimStyle.Render("waiting for identity..."))
	}
	b.WriteString("\n")

	if m.errText != "" {
		b.WriteString(errorStyle.Render("relay: "+m.errText) + "\n")
	}

	b.WriteString(boxStyle.Render(m.peersView()) + "\n")
	b.WriteString(boxStyle.Render(m.objectsView()) + "\n")
	b.WriteString(boxStyle.Render(m.logView()) + "\n")

	b.WriteString(helpStyle.Render("j/k select · n new prop · g grab · x remove · ←/→ nudge · q quit"))
	b.WriteString("\n")

	return b.String()
}

func (m model) peersView() string {
	if len(m.peers) == 0 {
		return dimStyle.Render("no peers yet")
	}
	lines := make([]string, 0, len(m.peers))
	for _, p := range m.peers {
		role := "answering"
		if p.Initiator {
			role = "initiating"
		}
		line := fmt.Sprintf("%s  %s  %s", p.ID, p.State, role)
		if p.HasMedia {
			line += "  ♪"
		}
		if p.State.String() == "connected" {
			lines = append(lines, normalStyle.Render(line))
		} else {
			lines = append(lines, dimStyle.Render(line))
		}
	}
	return strings.Join(lines, "\n")
}

func (m model) objectsView() string {
	if len(m.objects) == 0 {
		return dimStyle.Render("no objects yet")
	}
	lines := make([]string, 0, len(m.objects)+1)
	lines = append(lines, dimStyle.Render(fmt.Sprintf(
		"%d objects, %d attached, %d waiting for parents",
		len(m.objects), m.scene.AttachedCount(), m.pool.Registry().DeferredAdds())))

	for i, obj := range m.objects {
		owner := obj.Owner
		if owner == "" {
			owner = "unowned"
		} else if owner == m.localID {
			owner = "you"
		}
		marker := "  "
		if obj.IsAvatar {
			marker = "⊕ "
		}
		line := fmt.Sprintf("%s%-18s %-10s %-9s x=%.1f", marker, obj.ID, owner, obj.Kind,
			obj.Transform.Position[0])
		if obj.ParentID != "" {
			line += "  ↳ " + obj.ParentID
		}
		if i == m.selected {
			lines = append(lines, selectedStyle.Render("> "+line))
		} else {
			lines = append(lines, normalStyle.Render("  "+line))
		}
	}
	return strings.Join(lines, "\n")
}

func (m model) logView() string {
	lines := m.logs.Last(6)
	if len(lines) == 0 {
		return dimStyle.Render("—")
	}
	return dimStyle.Render(strings.Join(lines, "\n"))
}
