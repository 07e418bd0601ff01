package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/zjrosen/conduit/internal/metrics"
	"github.com/zjrosen/conduit/internal/protocol"
	"github.com/zjrosen/conduit/internal/sessions/domain"
)

const titleWidth = 40

var (
	listStatus   string
	listStarred  bool
	listArchived bool
	listLimit    int
	listJSON     bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, most recently updated first",
	Long: `List the sessions in the session database.

Examples:
  conduit sessions list
  conduit sessions list --status failed
  conduit sessions list --starred --limit 10
  conduit sessions list --json | jq '.[].id'`,
	RunE: runSessionsList,
}

func init() {
	sessionsListCmd.Flags().StringVar(&listStatus, "status", "", "only sessions with this status")
	sessionsListCmd.Flags().BoolVar(&listStarred, "starred", false, "only starred sessions")
	sessionsListCmd.Flags().BoolVar(&listArchived, "archived", false, "include archived sessions")
	sessionsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum sessions to show (0 for all)")
	sessionsListCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON instead of a table")
	sessionsCmd.AddCommand(sessionsListCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	filter := domain.ListFilter{
		Status:          domain.SessionStatus(listStatus),
		Starred:         listStarred,
		IncludeArchived: listArchived,
		Limit:           listLimit,
	}
	if listStatus != "" && !filter.Status.IsValid() {
		return fmt.Errorf("unknown status %q", listStatus)
	}

	store, err := openStore(cfg.Storage, cfg.FlagRegistry())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sessions, err := store.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if listJSON {
		return writeSessionsJSON(out, sessions)
	}
	if len(sessions) == 0 {
		_, _ = fmt.Fprintln(out, "No sessions.")
		return nil
	}
	_, err = fmt.Fprintln(out, renderSessions(sessions, time.Now()))
	return err
}

func writeSessionsJSON(w io.Writer, sessions []*domain.Session) error {
	views := make([]protocol.SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, protocol.ViewOf(s))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	statusStyle = map[domain.SessionStatus]lipgloss.Style{
		domain.StatusRunning:      cellStyle.Foreground(lipgloss.Color("#54A0FF")),
		domain.StatusWaitingInput: cellStyle.Foreground(lipgloss.Color("#FECA57")),
		domain.StatusCompleted:    cellStyle.Foreground(lipgloss.Color("#73F59F")),
		domain.StatusFailed:       cellStyle.Foreground(lipgloss.Color("#FF8787")),
		domain.StatusTerminated:   cellStyle.Foreground(lipgloss.Color("#696969")),
	}
)

const statusColumn = 2

func renderSessions(sessions []*domain.Session, now time.Time) string {
	rows := make([][]string, 0, len(sessions))
	statuses := make([]domain.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ID(),
			sessionTitle(s),
			string(s.Status()),
			strconv.FormatInt(s.TokensIn()+s.TokensOut(), 10),
			metrics.FormatCost(s.CostUSD()),
			relativeTime(now, s.UpdatedAt()),
		})
		statuses = append(statuses, s.Status())
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "TITLE", "STATUS", "TOKENS", "COST", "UPDATED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusColumn && row >= 0 && row < len(statuses) {
				if style, ok := statusStyle[statuses[row]]; ok {
					return style
				}
			}
			return cellStyle
		})
	return t.Render()
}

// sessionTitle falls back to the last user message for untitled sessions.
func sessionTitle(s *domain.Session) string {
	title := s.Title()
	if title == "" {
		title = s.LastUserMessage()
	}
	if s.Starred() {
		title = "* " + title
	}
	title = strings.Join(strings.Fields(title), " ")
	return runewidth.Truncate(title, titleWidth, "...")
}

func relativeTime(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
