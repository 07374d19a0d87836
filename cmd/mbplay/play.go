package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/justchokingaround/mbplay/internal/clipboard"
	"github.com/justchokingaround/mbplay/internal/database"
	"github.com/justchokingaround/mbplay/internal/history"
	"github.com/justchokingaround/mbplay/internal/mediaserver"
	"github.com/justchokingaround/mbplay/internal/playback"
	"github.com/justchokingaround/mbplay/internal/player"
	"github.com/justchokingaround/mbplay/internal/player/mpv"
	"github.com/justchokingaround/mbplay/internal/remote"
	"github.com/justchokingaround/mbplay/internal/stream"
	"github.com/justchokingaround/mbplay/internal/ui"
)

const (
	closeTimeout   = 10 * time.Second
	subtitleTries  = 20
	subtitleWait   = 500 * time.Millisecond
	unsetTrackFlag = -1
)

// launchParams reads the track, source and bitrate flags shared by play and stream-url
func launchParams(cmd *cobra.Command, itemID string) (playback.LaunchParams, error) {
	params := playback.LaunchParams{ItemID: itemID}

	if audio, _ := cmd.Flags().GetInt("audio"); audio != unsetTrackFlag {
		params.AudioIndex = &audio
	}
	if sub, _ := cmd.Flags().GetInt("subtitle"); sub != unsetTrackFlag {
		params.SubtitleIndex = &sub
	}
	params.MediaSourceID, _ = cmd.Flags().GetString("media-source")

	bitrate := cfg.Playback.MaxBitrate
	if cmd.Flags().Changed("max-bitrate") {
		bitrate, _ = cmd.Flags().GetInt64("max-bitrate")
	}
	if bitrate > 0 {
		params.MaxBitrate = &bitrate
	}

	paused, _ := cmd.Flags().GetBool("paused")
	params.StartPaused = paused || !cfg.Playback.AutoPlay

	return params, params.Validate()
}

var playCmd = &cobra.Command{
	Use:   "play <item-id>",
	Short: "Play an item in mpv and report progress to the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := launchParams(cmd, args[0])
		if err != nil {
			return err
		}
		subQuery, _ := cmd.Flags().GetString("sub-lang")

		client, err := requireClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hist := history.NewService(database.GetDB())
		watch := newPlayWatch(os.Stderr)
		hooks := watch.hooks(func(st playback.State, item *mediaserver.Item) {
			if err := hist.Record(st, item); err != nil {
				logger.Warn("failed to record history", "error", err)
			}
		})

		session, err := playback.Open(ctx, playbackDeps(client), params, hooks)
		if err != nil {
			return err
		}
		activeSession.Store(session)
		defer activeSession.Store(nil)

		item := session.Item()
		st := session.State()
		fmt.Printf("%s %s\n", ui.Render(ui.TitleStyle, "Playing"), displayName(item))
		if st.PositionTicks > 0 {
			fmt.Println(ui.Render(ui.MutedStyle, "Resuming at "+st.Position().Round(time.Second).String()))
		}

		bg, cancelBG := context.WithCancel(ctx)
		var wg sync.WaitGroup
		if cfg.Remote.Enabled {
			wg.Add(1)
			go func() {
				defer wg.Done()
				runRemote(bg, client, session)
			}()
		}
		if subQuery != "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				selectSubtitle(bg, session, subQuery)
			}()
		}

		select {
		case <-ctx.Done():
			logger.Info("interrupted, stopping playback")
		case <-watch.done:
		}
		cancelBG()
		wg.Wait()

		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			logger.Warn("session did not close cleanly", "error", err)
		}

		final := session.State()
		fmt.Println(ui.Render(ui.MutedStyle, fmt.Sprintf("Stopped at %s / %s",
			final.Position().Round(time.Second), final.Duration().Round(time.Second))))

		return watch.err()
	},
}

// playWatch closes done once playback is over for good, including a stop
// requested remotely
type playWatch struct {
	done   chan struct{}
	once   sync.Once
	fatal  atomic.Pointer[error]
	phase  atomic.Value
	errOut io.Writer
}

func newPlayWatch(errOut io.Writer) *playWatch {
	w := &playWatch{done: make(chan struct{}), errOut: errOut}
	w.phase.Store(playback.PhaseIdle)
	return w
}

func (w *playWatch) finish() { w.once.Do(func() { close(w.done) }) }

func (w *playWatch) err() error {
	if errp := w.fatal.Load(); errp != nil {
		return *errp
	}
	return nil
}

func (w *playWatch) hooks(onClosed func(playback.State, *mediaserver.Item)) playback.Hooks {
	return playback.Hooks{
		OnState: func(st playback.State) {
			w.phase.Store(st.Phase)
			if st.Phase == playback.PhaseStopped {
				w.finish()
			}
		},
		OnError: func(err error) {
			fmt.Fprintln(w.errOut, ui.Render(ui.ErrorStyle, "playback error:"), err)
			// nothing is playing after a failed negotiation or load
			if isFatal(err) || w.phase.Load() == playback.PhaseIdle {
				w.fatal.Store(&err)
				w.finish()
			}
		},
		OnEnded:  w.finish,
		OnClosed: onClosed,
	}
}

func playbackDeps(client *mediaserver.Client) playback.Deps {
	return playback.Deps{
		Items:    client,
		Resolver: stream.NewResolver(client, logger),
		Reports:  client,
		NewEngine: func() (player.Engine, error) {
			return mpv.New(mpv.Options{
				Debug:          cfg.Advanced.Debug,
				LoadUserConfig: cfg.Player.LoadUserConfig,
				ExtraArgs:      cfg.Player.ExtraArgs,
				Logger:         logger,
			})
		},
		UserID:         client.UserID(),
		ReportInterval: cfg.Playback.ReportInterval,
		Logger:         logger,
	}
}

func isFatal(err error) bool {
	return errors.Is(err, stream.ErrNoClient) ||
		errors.Is(err, stream.ErrNoItem) ||
		errors.Is(err, stream.ErrNegotiationFailed)
}

// runRemote registers the device and bridges server remote-control
// commands into session until ctx is done
func runRemote(ctx context.Context, client *mediaserver.Client, session *playback.Session) {
	socket := mediaserver.NewSocket(client, cfg.Remote.KeepAlive, logger)
	socket.OnConnect = func(ctx context.Context) {
		if err := client.ReportCapabilities(ctx); err != nil {
			logger.Warn("failed to register for remote control", "error", err)
		}
	}

	requests := make(chan mediaserver.PlaystateRequest)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := socket.Listen(ctx, requests); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("remote control listener stopped", "error", err)
		}
	}()

	remote.NewBridge(session, logger).Run(ctx, remote.Translate(ctx, requests))
	wg.Wait()
}

// selectSubtitle retries until mpv has announced its text tracks
func selectSubtitle(ctx context.Context, session *playback.Session, query string) {
	ticker := time.NewTicker(subtitleWait)
	defer ticker.Stop()

	var err error
	for i := 0; i < subtitleTries; i++ {
		if err = session.SelectSubtitleByName(ctx, query); err == nil {
			logger.Debug("selected subtitle", "query", query)
			return
		}
		if errors.Is(err, playback.ErrClosed) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	logger.Warn("could not select subtitle", "query", query, "error", err)
}

func displayName(item *mediaserver.Item) string {
	if item.SeriesName != "" {
		if item.ParentIndexNumber > 0 || item.IndexNumber > 0 {
			return fmt.Sprintf("%s S%02dE%02d - %s", item.SeriesName, item.ParentIndexNumber, item.IndexNumber, item.Name)
		}
		return item.SeriesName + " - " + item.Name
	}
	if item.ProductionYear > 0 {
		return fmt.Sprintf("%s (%d)", item.Name, item.ProductionYear)
	}
	return item.Name
}

var streamURLCmd = &cobra.Command{
	Use:   "stream-url <item-id>",
	Short: "Print the negotiated stream URL for an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := launchParams(cmd, args[0])
		if err != nil {
			return err
		}
		client, err := requireClient()
		if err != nil {
			return err
		}

		item, err := client.GetItem(cmd.Context(), params.ItemID)
		if err != nil {
			return fmt.Errorf("%w: %w", stream.ErrNoItem, err)
		}
		desc, err := stream.NewResolver(client, logger).Resolve(cmd.Context(), stream.Request{
			Item:        item,
			UserID:      client.UserID(),
			Constraints: params.Constraints(),
		})
		if err != nil {
			return err
		}

		fmt.Println(desc.URL)
		fmt.Fprintln(os.Stderr, ui.Render(ui.MutedStyle, fmt.Sprintf("%s, media source %s", desc.PlayMethod, desc.MediaSource.ID)))

		if copyURL, _ := cmd.Flags().GetBool("copy"); copyURL {
			cb := clipboard.NewService(cfg.Advanced.Clipboard.Command, logger)
			if err := cb.Write(cmd.Context(), desc.URL); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, ui.Render(ui.SuccessStyle, "Copied to clipboard"))
		}
		return nil
	},
}

var webCmd = &cobra.Command{
	Use:   "web <item-id>",
	Short: "Open the item in the server's web client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient("")
		if err != nil {
			return err
		}
		u := client.WebURL(args[0])
		if err := browser.OpenURL(u); err != nil {
			fmt.Printf("Failed to open browser: %v\n", err)
			fmt.Printf("Open this URL manually: %s\n", u)
			return nil
		}
		fmt.Println(u)
		return nil
	},
}

func addTrackFlags(cmd *cobra.Command) {
	cmd.Flags().Int("audio", unsetTrackFlag, "server audio stream index")
	cmd.Flags().Int("subtitle", unsetTrackFlag, "server subtitle stream index")
	cmd.Flags().String("media-source", "", "media source id (default: server choice)")
	cmd.Flags().Int64("max-bitrate", 0, "maximum streaming bitrate in bits per second (default: playback.max_bitrate)")
}

func init() {
	addTrackFlags(playCmd)
	playCmd.Flags().String("sub-lang", "", "select the subtitle whose name best matches this text")
	playCmd.Flags().Bool("paused", false, "load paused")

	addTrackFlags(streamURLCmd)
	streamURLCmd.Flags().BoolP("copy", "c", false, "copy the URL to the clipboard")
}
