package top

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"

	"github.com/zjrosen/gaffer/internal/domain"
)

// fixedLines is everything outside the two tables' row areas: header,
// summary, two section titles, two column headers, two separators, and
// the footer.
const fixedLines = 9

// View renders the full frame.
func (m Model) View() string {
	if m.width <= 0 || m.height <= 0 {
		return ""
	}

	workers := m.sortedWorkers()
	ready := m.sortedReady()

	avail := m.height - fixedLines
	if avail < 2 {
		avail = 2
	}
	wRows, qRows := splitRows(avail, max(len(workers), 1), max(len(ready), 1))

	lines := make([]string, 0, m.height)
	lines = append(lines,
		m.headerLine(),
		m.summaryLine(),
		"",
		sectionStyle.Render("Workers"),
	)
	lines = append(lines, m.workerLines(workers, wRows)...)
	lines = append(lines,
		"",
		sectionStyle.Render("Ready queue"),
	)
	lines = append(lines, m.queueLines(ready, qRows)...)

	for len(lines) < m.height-1 {
		lines = append(lines, "")
	}
	if len(lines) > m.height-1 {
		lines = lines[:m.height-1]
	}
	lines = append(lines, m.footerLine())
	return strings.Join(lines, "\n")
}

func (m Model) sortedWorkers() []*domain.Worker {
	workers := slices.Clone(m.snap.Fleet.Workers)
	slices.SortFunc(workers, func(a, b *domain.Worker) int {
		return strings.Compare(a.ID, b.ID)
	})
	return workers
}

func (m Model) sortedReady() []*domain.WorkItem {
	ready := slices.Clone(m.snap.Ready)
	slices.SortFunc(ready, func(a, b *domain.WorkItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return ready
}

// splitRows divides the available row budget between the two tables.
// Each table gets at least one row.
func splitRows(avail, wWant, qWant int) (int, int) {
	if wWant+qWant <= avail {
		return wWant, qWant
	}
	w := max(avail/2, 1)
	if w > wWant {
		w = wWant
	}
	q := max(avail-w, 1)
	if q > qWant {
		q = qWant
		w = min(wWant, max(avail-q, 1))
	}
	return w, q
}

func (m Model) headerLine() string {
	state := failStyle.Render("✗ disconnected")
	if m.connected {
		if m.snap.Status.Running {
			state = idleStyle.Render("● running")
		} else {
			state = pausedStyle.Render("○ stopped")
		}
	}
	left := appNameStyle.Render("gaffer") + "  " + state
	right := mutedStyle.Render(m.client.baseURL)
	return joinEnds(left, right, m.width)
}

func (m Model) summaryLine() string {
	st := m.snap.Status
	fleet := m.snap.Fleet
	s := fmt.Sprintf("workers %d/%d · executions %d/%d global · queue %d · retries %d · cycle %d",
		fleet.Active, fleet.MaxWorkers,
		st.Limits.GlobalActive, st.Limits.MaxGlobalWorkers,
		st.QueueLength, st.PendingRetries, st.CycleCount)
	if st.LastCycleAt != nil {
		s += " · last " + st.LastCycleAt.Format("15:04:05")
	}
	return mutedStyle.Render(truncate.StringWithTail(s, uint(m.width), "…"))
}

type workerCols struct {
	id, state, item, role, ctx, cost, errs int
}

func workerColumns(width int) workerCols {
	c := workerCols{id: 12, state: 10, role: 12, ctx: 16, cost: 7, errs: 3}
	// Six gaps of two spaces between seven columns.
	c.item = max(width-(c.id+c.state+c.role+c.ctx+c.cost+c.errs)-12, 8)
	return c
}

// workerLines renders the column header plus up to budget rows.
func (m Model) workerLines(workers []*domain.Worker, budget int) []string {
	cols := workerColumns(m.width)
	header := strings.Join([]string{
		cell("ID", cols.id),
		cell("STATE", cols.state),
		cell("ITEM", cols.item),
		cell("ROLE", cols.role),
		cell("CONTEXT", cols.ctx),
		cellRight("COST", cols.cost),
		cellRight("ERR", cols.errs),
	}, "  ")
	lines := []string{mutedStyle.Render(header)}

	if len(workers) == 0 {
		return append(lines, mutedStyle.Render("No workers in the fleet"))
	}

	shown := workers
	if len(shown) > budget {
		shown = shown[:max(budget-1, 0)]
	}
	for _, w := range shown {
		lines = append(lines, m.workerRow(w, cols))
	}
	if hidden := len(workers) - len(shown); hidden > 0 {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("… %d more", hidden)))
	}
	return lines
}

func (m Model) workerRow(w *domain.Worker, cols workerCols) string {
	glyph, style := statusGlyph(w.Status)
	state := style.Render(cell(glyph+" "+string(w.Status), cols.state))

	item := w.CurrentWorkItemID
	if item == "" {
		item = "-"
	}
	role := string(w.CurrentRole)
	if role == "" {
		role = "-"
	}

	errs := cellRight(fmt.Sprintf("%d", w.ErrorCount), cols.errs)
	if w.ErrorCount > 0 {
		errs = failStyle.Render(errs)
	}

	return strings.Join([]string{
		cell(w.ID, cols.id),
		state,
		cell(item, cols.item),
		cell(role, cols.role),
		cell(contextCell(w), cols.ctx),
		cellRight(fmt.Sprintf("$%.2f", w.CostUSD), cols.cost),
		errs,
	}, "  ")
}

type queueCols struct {
	id, typ, title, age, blocked int
}

func queueColumns(width int) queueCols {
	c := queueCols{id: 12, typ: 8, age: 6, blocked: 7}
	// Four gaps of two spaces between five columns.
	c.title = max(width-(c.id+c.typ+c.age+c.blocked)-8, 8)
	return c
}

// queueLines renders the column header plus up to budget rows.
func (m Model) queueLines(ready []*domain.WorkItem, budget int) []string {
	cols := queueColumns(m.width)
	header := strings.Join([]string{
		cell("ID", cols.id),
		cell("TYPE", cols.typ),
		cell("TITLE", cols.title),
		cellRight("AGE", cols.age),
		cellRight("BLOCKED", cols.blocked),
	}, "  ")
	lines := []string{mutedStyle.Render(header)}

	if len(ready) == 0 {
		return append(lines, mutedStyle.Render("Queue is empty"))
	}

	now := time.Now()
	shown := ready
	if len(shown) > budget {
		shown = shown[:max(budget-1, 0)]
	}
	for _, item := range shown {
		lines = append(lines, queueRow(item, cols, now))
	}
	if hidden := len(ready) - len(shown); hidden > 0 {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("… %d more", hidden)))
	}
	return lines
}

func queueRow(item *domain.WorkItem, cols queueCols, now time.Time) string {
	blocked := "-"
	if n := len(item.BlockedBy); n > 0 {
		blocked = fmt.Sprintf("%d", n)
	}
	return strings.Join([]string{
		cell(item.ID, cols.id),
		cell(string(item.Type), cols.typ),
		cell(item.Title, cols.title),
		cellRight(humanAge(now.Sub(item.CreatedAt)), cols.age),
		cellRight(blocked, cols.blocked),
	}, "  ")
}

func (m Model) footerLine() string {
	left := mutedStyle.Render(fmt.Sprintf("%s %s · %s %s",
		m.keys.Quit.Help().Key, m.keys.Quit.Help().Desc,
		m.keys.Refresh.Help().Key, m.keys.Refresh.Help().Desc))
	var right string
	if m.lastErr != "" {
		right = failStyle.Render(truncate.StringWithTail(m.lastErr, uint(max(m.width/2, 8)), "…"))
	} else if !m.polledAt.IsZero() {
		right = mutedStyle.Render("polled " + m.polledAt.Format("15:04:05"))
	}
	return joinEnds(left, right, m.width)
}

// cell truncates and left-aligns a plain string to the column width.
// Styling is applied after padding so width math never sees ANSI codes.
func cell(s string, w int) string {
	return runewidth.FillRight(truncate.StringWithTail(s, uint(w), "…"), w)
}

// cellRight truncates and right-aligns a plain string.
func cellRight(s string, w int) string {
	return runewidth.FillLeft(truncate.StringWithTail(s, uint(w), "…"), w)
}

// joinEnds spreads two pre-styled fragments to the line's edges.
func joinEnds(left, right string, width int) string {
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		return left
	}
	return left + strings.Repeat(" ", gap) + right
}

func contextCell(w *domain.Worker) string {
	if w.ContextWindowLimit <= 0 {
		return humanTokens(w.ContextWindowUsed)
	}
	pct := int(float64(w.ContextWindowUsed) / float64(w.ContextWindowLimit) * 100)
	return fmt.Sprintf("%d%% %s/%s", pct,
		humanTokens(w.ContextWindowUsed), humanTokens(w.ContextWindowLimit))
}

func humanTokens(n int64) string {
	if n >= 1000 {
		return fmt.Sprintf("%dk", n/1000)
	}
	return fmt.Sprintf("%d", n)
}

func humanAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
