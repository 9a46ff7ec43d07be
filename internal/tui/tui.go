// Package tui provides the interactive BubbleTea interface for
// browsing Hacker News search results, adapted from the teacher's
// file-search browser to item results (title, author, score, kind).
//
// Layout:
//
//	┌─────────────────────────────────────┐
//	│  hnsearch  semantic Hacker News search │  ← header
//	│  ❯ <query input>                    │  ← search bar
//	│  ─────────────────────────────────  │  ← divider
//	│  0.94  [S] Show HN: ...             │  ← results
//	│        by alice  142 pts            │
//	│  ...                                │
//	│  ─────────────────────────────────  │  ← divider
//	│  3 results   ^i info  esc clear  ↑↓ nav  enter open  ^q quit │  ← status bar
//	└─────────────────────────────────────┘
package tui

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/screenager/hnsearch/internal/query"
	"github.com/screenager/hnsearch/internal/record"
)

var (
	colorAccent  = lipgloss.Color("#7C6AF7")
	colorDim     = lipgloss.Color("#555555")
	colorMuted   = lipgloss.Color("#888888")
	colorText    = lipgloss.Color("#DDDDDD")
	colorSubdued = lipgloss.Color("#444444")
	colorScore   = lipgloss.Color("#5ECEF5")
	colorErr     = lipgloss.Color("#FF6B6B")
	colorGreen   = lipgloss.Color("#5AF078")

	sTitle  = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	sAccent = lipgloss.NewStyle().Foreground(colorAccent)
	sDim    = lipgloss.NewStyle().Foreground(colorDim)
	sMuted  = lipgloss.NewStyle().Foreground(colorMuted)
	sScore  = lipgloss.NewStyle().Foreground(colorScore).Bold(true)
	sItem   = lipgloss.NewStyle().Foreground(colorText)
	sMeta   = lipgloss.NewStyle().Foreground(colorMuted)
	sErr    = lipgloss.NewStyle().Foreground(colorErr)
	sGreen  = lipgloss.NewStyle().Foreground(colorGreen)
	sSel    = lipgloss.NewStyle().
		Background(lipgloss.Color("#1E1A3A")).
		Foreground(colorText)
	sHint = lipgloss.NewStyle().
		Foreground(colorDim).
		Background(lipgloss.Color("#111111"))
	sDivider = lipgloss.NewStyle().Foreground(colorSubdued)
)

var kindIcon = map[record.Kind]string{
	record.KindStory:   "S",
	record.KindComment: "C",
	record.KindJob:     "J",
	record.KindPoll:    "P",
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type spinTickMsg struct{}

func spinTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg { return spinTickMsg{} })
}

type mode int

const (
	modeSearch mode = iota
	modeStats
)

type (
	searchResultMsg []query.Result
	errMsg          struct{ err error }
	debounceMsg     struct {
		query string
		id    int
	}
)

// Model is the BubbleTea application model.
type Model struct {
	engine     *query.Engine
	input      textinput.Model
	results    []query.Result
	cursor     int
	mode       mode
	err        error
	width      int
	height     int
	searching  bool
	spinFrame  int
	stats      *query.Stats
	debounceID int
	lastQuery  string
}

// New creates a new TUI model backed by engine.
func New(engine *query.Engine) Model {
	ti := textinput.New()
	ti.Placeholder = "search Hacker News…"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 60
	ti.PromptStyle = sAccent
	ti.Prompt = "❯ "
	ti.TextStyle = lipgloss.NewStyle().Foreground(colorText)

	return Model{engine: engine, input: ti, mode: modeSearch}
}

// Init is the BubbleTea init hook.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, spinTick())
}

// Update processes messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = m.width - 8
		return m, nil

	case spinTickMsg:
		m.spinFrame = (m.spinFrame + 1) % len(spinnerFrames)
		return m, spinTick()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q":
			return m, tea.Quit

		case "ctrl+i":
			if m.mode != modeStats {
				m.mode = modeStats
				m.input.Blur()
				return m, statsCmd(m.engine)
			}
			m.mode = modeSearch
			m.input.Focus()
			m.stats = nil
			return m, nil

		case "esc":
			m.mode = modeSearch
			m.input.Focus()
			m.stats = nil
			m.err = nil
			return m, nil

		case "up", "ctrl+p":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "down", "ctrl+n":
			if m.cursor < len(m.results)-1 {
				m.cursor++
			}
			return m, nil

		case "enter":
			if m.mode == modeSearch && len(m.results) > 0 {
				r := m.results[m.cursor]
				if r.URL != nil && *r.URL != "" {
					return m, openURL(*r.URL)
				}
				return m, openURL(fmt.Sprintf("https://news.ycombinator.com/item?id=%d", r.ID))
			}
			return m, nil
		}

	case debounceMsg:
		if msg.id == m.debounceID && msg.query == m.input.Value() {
			if strings.TrimSpace(msg.query) == "" {
				m.searching = false
				m.results = nil
				return m, nil
			}
			m.searching = true
			m.lastQuery = msg.query
			return m, searchCmd(m.engine, msg.query)
		}
		return m, nil

	case searchResultMsg:
		m.searching = false
		m.results = []query.Result(msg)
		m.cursor = 0
		m.err = nil
		return m, nil

	case statsResultMsg:
		s := query.Stats(msg)
		m.stats = &s
		return m, nil

	case errMsg:
		m.searching = false
		m.err = msg.err
		return m, nil
	}

	if m.mode == modeSearch {
		prevVal := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if m.input.Value() != prevVal {
			m.debounceID++
			id := m.debounceID
			q := m.input.Value()
			return m, tea.Batch(cmd, debounceCmd(q, id, 280*time.Millisecond))
		}
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return ""
	}
	if m.mode == modeStats {
		return m.statsView()
	}
	return m.searchView()
}

func (m Model) searchView() string {
	var b strings.Builder
	w := m.width
	divider := sDivider.Render(strings.Repeat("─", clamp(w-2, 10, 200)))

	left := "  " + sTitle.Render("hnsearch") + "  " + sMuted.Render("semantic Hacker News search")
	fmt.Fprintln(&b, left)

	fmt.Fprintln(&b, "  "+m.input.View())
	fmt.Fprintln(&b, "  "+divider)

	if m.err != nil {
		fmt.Fprintln(&b, sErr.Render("  error: "+m.err.Error()))
	} else if m.searching {
		frame := spinnerFrames[m.spinFrame]
		fmt.Fprintln(&b, "  "+sAccent.Render(frame)+"  "+sMuted.Render("searching…"))
	} else if len(m.results) == 0 && m.input.Value() == "" {
		fmt.Fprintln(&b, "")
		fmt.Fprintln(&b, sMuted.Render("  Start typing to search semantically."))
		fmt.Fprintln(&b, sDim.Render("  Natural language works: ")+sMuted.Render("\"rust async runtime\""))
	} else if len(m.results) == 0 {
		fmt.Fprintln(&b, "")
		fmt.Fprintln(&b, sMuted.Render("  no results for ")+sAccent.Render("\""+m.lastQuery+"\""))
	} else {
		bodyHeight := m.height - 7
		m.renderResults(&b, bodyHeight)
	}

	b.WriteString("\n  " + divider + "\n")
	m.renderStatusBar(&b)

	return b.String()
}

func (m *Model) renderResults(b *strings.Builder, maxRows int) {
	maxResults := maxRows / 2
	if maxResults < 1 {
		maxResults = 1
	}

	for i, r := range m.results {
		if i >= maxResults {
			remaining := len(m.results) - i
			fmt.Fprintf(b, "  %s\n", sDim.Render(fmt.Sprintf("  … %d more results", remaining)))
			break
		}

		title := displayTitle(r)
		maxTitle := clamp(m.width-20, 10, 120)
		if len(title) > maxTitle {
			title = title[:maxTitle-1] + "…"
		}
		score := fmt.Sprintf("%.2f", r.Score)
		icon := kindIcon[r.Kind]

		meta := fmt.Sprintf("by %s", r.Author)
		if r.Record.Score != nil {
			meta = fmt.Sprintf("by %s  %d pts", r.Author, *r.Record.Score)
		}

		line1 := fmt.Sprintf("  %s  %s %s", sScore.Render(score), sDim.Render("["+icon+"]"), sItem.Render(title))
		line2 := fmt.Sprintf("  %s  %s", "    ", sMeta.Render(meta))

		if i == m.cursor {
			raw1 := score + "  [" + icon + "] " + title
			raw2 := "      " + meta
			pad1 := clamp(m.width-len(raw1)-3, 0, m.width)
			pad2 := clamp(m.width-len(raw2)-3, 0, m.width)
			line1 = sSel.Render("  " + sScore.Render(score) + "  " + sDim.Render("["+icon+"]") + " " + sItem.Render(title) + strings.Repeat(" ", pad1))
			line2 = sSel.Render("      " + sMeta.Render(meta) + strings.Repeat(" ", pad2))
		}

		fmt.Fprintln(b, line1)
		fmt.Fprintln(b, line2)
	}
}

func displayTitle(r query.Result) string {
	if r.Title != nil && *r.Title != "" {
		return record.CleanDisplayText(*r.Title)
	}
	if r.Text != nil && *r.Text != "" {
		return record.CleanDisplayText(*r.Text)
	}
	return fmt.Sprintf("item %d", r.ID)
}

func (m *Model) renderStatusBar(b *strings.Builder) {
	var left string
	if len(m.results) > 0 {
		left = sGreen.Render(fmt.Sprintf("  %d result", len(m.results)))
		if len(m.results) != 1 {
			left += sGreen.Render("s")
		}
	} else if m.err != nil {
		left = "  " + sErr.Render(m.err.Error())
	} else {
		left = sDim.Render("  no results")
	}

	right := sHint.Render("^i info  esc clear  ↑↓ nav  enter open  ^q quit  ")
	fmt.Fprint(b, padBetween(left, right, m.width))
}

func (m Model) statsView() string {
	var b strings.Builder
	w := clamp(m.width, 10, 200)
	divider := sDivider.Render(strings.Repeat("─", w-2))

	fmt.Fprintln(&b, "  "+sTitle.Render("hnsearch")+" "+sMuted.Render("— index info"))
	fmt.Fprintln(&b, "  "+divider)

	if m.stats != nil {
		s := m.stats
		fmt.Fprintln(&b, "")
		row := func(label, value string) {
			fmt.Fprintf(&b, "  %-22s %s\n", sDim.Render(label), value)
		}
		row("records mirrored", sAccent.Render(fmt.Sprintf("%d", s.TotalRecords)))
		row("main tier vectors", sAccent.Render(fmt.Sprintf("%d", s.MainVectors)))
		row("incremental vectors", sAccent.Render(fmt.Sprintf("%d", s.IncrementalVectors)))
	}

	fmt.Fprintln(&b, "")
	fmt.Fprintln(&b, "  "+divider)
	fmt.Fprint(&b, sHint.Render("  esc back to search  ctrl+q quit"+strings.Repeat(" ", clamp(w-35, 0, 200))))
	return b.String()
}

func debounceCmd(q string, id int, delay time.Duration) tea.Cmd {
	return func() tea.Msg {
		time.Sleep(delay)
		return debounceMsg{query: q, id: id}
	}
}

func searchCmd(engine *query.Engine, q string) tea.Cmd {
	return func() tea.Msg {
		results, err := engine.Query(context.Background(), q, 10, "")
		if err != nil {
			return errMsg{err}
		}
		return searchResultMsg(results)
	}
}

type statsResultMsg query.Stats

func statsCmd(engine *query.Engine) tea.Cmd {
	return func() tea.Msg {
		s, err := engine.Stats(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return statsResultMsg(s)
	}
}

// openURL opens url in the system browser.
func openURL(url string) tea.Cmd {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return tea.ExecProcess(cmd, func(err error) tea.Msg {
		if err != nil {
			return errMsg{err}
		}
		return nil
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func padBetween(left, right string, width int) string {
	lv := visibleLen(left)
	rv := visibleLen(right)
	gap := width - lv - rv - 2
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func visibleLen(s string) int {
	n := 0
	inEsc := false
	for _, c := range s {
		if c == '\x1b' {
			inEsc = true
		}
		if inEsc {
			if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
				inEsc = false
			}
			continue
		}
		n++
	}
	return n
}
