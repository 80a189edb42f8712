package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/huddle/internal/retention"
	"github.com/Tyrowin/huddle/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Width(18)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired messages and uploads once and exit",
	Long: `Run a single retention sweep against the configured database and upload
directory. Private messages and uploads older than the retention horizon are
deleted, together with the uploaded files.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}

	st, err := store.Open(cmd.Context(), cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	sweeper := retention.New(st, cfg.UploadDir, log, retention.WithHorizon(cfg.RetentionHorizon))
	res, err := sweeper.Sweep(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderResult(res))
	return nil
}

func renderResult(res retention.Result) string {
	row := func(label string, value any) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), fmt.Sprint(value))
	}

	status := okStyle.Render("sweep complete")
	if res.FileErrors > 0 {
		status = warnStyle.Render(fmt.Sprintf("sweep complete, %d file(s) could not be removed", res.FileErrors))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Render("Retention sweep"),
		row("cutoff", res.Cutoff.UTC().Format("2006-01-02 15:04:05 MST")),
		row("messages deleted", res.MessagesDeleted),
		row("uploads deleted", res.UploadsDeleted),
		row("files removed", res.FilesRemoved),
		row("files missing", res.FilesMissing),
		status,
	)
}
