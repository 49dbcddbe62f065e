package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/1143910315/RainWorldConnect/internal/relay"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selfStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// rosterView prints roster snapshots. On a terminal it redraws a table; on
// anything else it writes one line whenever membership or ports change.
type rosterView struct {
	out    io.Writer
	styled bool

	mu   sync.Mutex
	last string
}

func newRosterView(out io.Writer, styled bool) *rosterView {
	return &rosterView{out: out, styled: styled}
}

// Render draws r. It is safe to call from the coordinator's notifier.
func (v *rosterView) Render(r relay.Roster) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.styled {
		fmt.Fprint(v.out, "\033[H\033[2J", renderTable(r))
		return
	}

	line := summaryLine(r)
	if line == v.last {
		return
	}
	v.last = line
	fmt.Fprintln(v.out, line)
}

func renderTable(r relay.Roster) string {
	state := "stopped"
	if r.Running {
		state = "running"
	}
	header := titleStyle.Render("rwconnect "+string(r.Role)) + " " + dimStyle.Render(state)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "NAME", "PORT", "UP", "DOWN", "SENT", "RECEIVED")

	for _, e := range r.Entries {
		name := e.DisplayName
		if e.Self {
			name = selfStyle.Render(name + " (you)")
		}
		t.Row(
			e.DeviceID,
			name,
			portString(e.UDPPort),
			e.SentRate,
			e.ReceivedRate,
			strconv.FormatInt(e.TotalSent, 10),
			strconv.FormatInt(e.TotalReceived, 10),
		)
	}

	return header + "\n" + t.String() + "\n"
}

// summaryLine lists every session with its port, without rates.
func summaryLine(r relay.Roster) string {
	if !r.Running {
		return fmt.Sprintf("[%s] stopped", r.Role)
	}

	parts := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		p := e.DisplayName
		if e.DisplayName != e.DeviceID && e.DeviceID != "" {
			p += "(" + e.DeviceID + ")"
		}
		if e.Self {
			p += "*"
		}
		parts = append(parts, p+":"+portString(e.UDPPort))
	}
	return fmt.Sprintf("[%s] %d sessions: %s", r.Role, len(r.Entries), strings.Join(parts, " "))
}

func portString(p int32) string {
	if p == 0 {
		return "-"
	}
	return strconv.Itoa(int(p))
}
