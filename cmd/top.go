package cmd

import (
	"fmt"
	"net"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/zjrosen/gaffer/internal/ui/top"
)

var (
	topAddr     string
	topInterval time.Duration
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live view of the worker fleet and the ready queue",
	Long: `Top connects to a running gaffer daemon and renders its state in the
terminal: scheduler status, active workers with their context and cost,
and the work items waiting for assignment.

The view polls the daemon's REST API, so the daemon must be running
(see 'gaffer serve').`,
	RunE: runTop,
}

func init() {
	// Force lipgloss/termenv to query terminal background color BEFORE
	// any Bubble Tea program starts. This prevents the terminal's OSC 11
	// response from racing with Bubble Tea's input loop and appearing as
	// garbage text in input fields.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()

	rootCmd.AddCommand(topCmd)
	topCmd.Flags().StringVar(&topAddr, "addr", "", "daemon address (defaults to server.listen_addr from config)")
	topCmd.Flags().DurationVar(&topInterval, "interval", 2*time.Second, "poll interval")
}

func runTop(cmd *cobra.Command, args []string) error {
	addr := topAddr
	if addr == "" {
		addr = cfg.Server.ListenAddr
	}

	model := top.New(top.NewClient(apiBaseURL(addr)), topInterval)
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running status view: %w", err)
	}
	return nil
}

// apiBaseURL turns a listen address into a client base URL. Wildcard
// hosts dial back on loopback.
func apiBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
