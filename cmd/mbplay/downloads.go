package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/justchokingaround/mbplay/internal/database"
	"github.com/justchokingaround/mbplay/internal/downloader"
	"github.com/justchokingaround/mbplay/internal/history"
	"github.com/justchokingaround/mbplay/internal/stream"
	"github.com/justchokingaround/mbplay/internal/ui"
)

const titleWidth = 48

var downloadCmd = &cobra.Command{
	Use:   "download <item-id>",
	Short: "Download an item's original file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := requireClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		item, err := client.GetItem(ctx, args[0])
		if err != nil {
			return fmt.Errorf("%w: %w", stream.ErrNoItem, err)
		}

		manager, err := downloader.NewManager(database.GetDB(), &cfg.Downloads, downloader.Options{
			Resolver:   stream.NewResolver(client, logger),
			Source:     client,
			UserID:     client.UserID(),
			Logger:     logger,
			OnProgress: printProgress,
		})
		if err != nil {
			return err
		}
		defer manager.Close()

		var c stream.Constraints
		if id, _ := cmd.Flags().GetString("media-source"); id != "" {
			c.MediaSourceID = id
		}

		transfer, err := manager.Download(ctx, item, c)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", ui.Render(ui.TitleStyle, "Downloading"), transfer.Title)
		fmt.Println(ui.Render(ui.MutedStyle, transfer.Path()))

		select {
		case <-transfer.Done():
		case <-ctx.Done():
			transfer.Cancel()
			<-transfer.Done()
		}
		fmt.Println()

		status := transfer.Status()
		switch status {
		case downloader.StatusComplete:
			written, _ := transfer.Bytes()
			fmt.Println(ui.Render(ui.SuccessStyle, "Download complete") + " " +
				ui.Render(ui.MutedStyle, humanize.Bytes(uint64(written))))
			return nil
		case downloader.StatusCancelled:
			fmt.Println(ui.Render(ui.StatusStyle(status.String()), "Download cancelled"))
			return nil
		default:
			return transfer.Err()
		}
	},
}

// printProgress redraws a single status line
func printProgress(t *downloader.Transfer) {
	written, total := t.Bytes()
	size := humanize.Bytes(uint64(written))
	if total > 0 {
		size += " / " + humanize.Bytes(uint64(total))
	}
	line := fmt.Sprintf("%5.1f%%  %s  %s/s", t.Progress()*100, size, humanize.Bytes(uint64(t.Speed())))
	fmt.Printf("\r%s", ui.PadRight(line, 60))
}

var downloadsCmd = &cobra.Command{
	Use:   "downloads",
	Short: "Manage downloaded items",
}

var downloadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List finished downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := downloader.NewManager(database.GetDB(), &cfg.Downloads, downloader.Options{Logger: logger})
		if err != nil {
			return err
		}
		records, err := manager.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list downloads: %w", err)
		}
		if len(records) == 0 {
			fmt.Println(ui.Render(ui.MutedStyle, "No downloads yet"))
			return nil
		}

		table := ui.NewTable("ITEM", "TITLE", "STATUS", "SIZE", "FINISHED").Limit(1, titleWidth)
		for _, r := range records {
			finished := ""
			if r.CompletedAt != nil {
				finished = humanize.Time(*r.CompletedAt)
			}
			table.Row(r.ItemID, r.Title, ui.Render(ui.StatusStyle(r.Status), r.Status), humanize.Bytes(uint64(r.TotalBytes)), finished)
		}
		return table.Render(os.Stdout)
	},
}

var downloadsRemoveCmd = &cobra.Command{
	Use:   "remove <item-id>",
	Short: "Forget a download, optionally deleting the file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleteFile, _ := cmd.Flags().GetBool("delete-file")

		manager, err := downloader.NewManager(database.GetDB(), &cfg.Downloads, downloader.Options{Logger: logger})
		if err != nil {
			return err
		}
		rec, err := manager.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := manager.Remove(cmd.Context(), args[0], deleteFile); err != nil {
			return err
		}

		title := args[0]
		if rec != nil {
			title = rec.Title
		}
		fmt.Printf("Removed %s\n", title)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently played items",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		svc := history.NewService(database.GetDB())
		entries, err := svc.Recent(limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println(ui.Render(ui.MutedStyle, "Nothing played yet"))
			return nil
		}

		table := ui.NewTable("ITEM", "TITLE", "PROGRESS", "METHOD", "WATCHED").Limit(1, titleWidth)
		for _, e := range entries {
			title := e.Title
			if e.SeriesName != "" {
				title = e.SeriesName + " - " + e.Title
			}
			progress := e.Position.Round(time.Second).String()
			if e.Completed {
				progress = "watched"
			} else if e.Runtime > 0 {
				progress = fmt.Sprintf("%s (%.0f%%)", progress, e.ProgressPercent)
			}
			table.Row(e.ItemID, title, progress, e.PlayMethod, humanize.Time(e.WatchedAt))
		}
		if err := table.Render(os.Stdout); err != nil {
			return err
		}

		if stats, err := svc.GetStats(); err == nil {
			fmt.Println(ui.Render(ui.MutedStyle, strings.Join([]string{
				humanize.Comma(stats.TotalItems) + " entries",
				humanize.Comma(stats.CompletedCount) + " finished",
				stats.TotalWatchTime.Round(time.Minute).String() + " watched",
			}, ", ")))
		}
		return nil
	},
}

func init() {
	downloadCmd.Flags().String("media-source", "", "media source id (default: server choice)")

	downloadsRemoveCmd.Flags().Bool("delete-file", false, "also delete the downloaded file")
	downloadsCmd.AddCommand(downloadsListCmd)
	downloadsCmd.AddCommand(downloadsRemoveCmd)

	historyCmd.Flags().IntP("limit", "n", 20, "number of entries to show (0 for all)")
}
