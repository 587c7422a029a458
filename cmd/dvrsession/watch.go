package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trymwestin/dvrsession/internal/core/camera"
	"github.com/trymwestin/dvrsession/internal/core/session"
	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/settings"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Log in to every configured server and print session events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := settings.OpenFileStore(cfg.Settings.Path)
		if err != nil {
			return err
		}
		if len(store.IDs()) == 0 {
			color.Yellow("No servers configured in %s", store.Path())
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bus := state.NewEventBus(log)
		events, unsub := bus.Subscribe(256)
		defer unsub()

		opts := session.Options{
			PollInterval: cfg.Poll.Interval,
			DevicesPath:  cfg.Poll.DevicesPath,
			StatsPath:    cfg.Poll.StatsPath,
		}
		mgr := session.NewManager(store, bus, nil, log, opts, session.HTTPTransportFactory(cfg.Poll.Timeout))
		if err := mgr.Start(ctx); err != nil {
			return err
		}
		defer mgr.Stop(context.Background())

		// Auto-connect endpoints already queued their login.
		for _, s := range mgr.Sessions() {
			if !s.Endpoint().CanAutoConnect() {
				s.Login()
			}
		}
		color.Cyan("Watching %d server(s), press Ctrl+C to stop", len(mgr.Sessions()))

		for {
			select {
			case <-ctx.Done():
				return nil
			case evt := <-events:
				printEvent(color.Output, evt)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

var (
	goodColor  = color.New(color.FgGreen)
	badColor   = color.New(color.FgRed)
	warnColor  = color.New(color.FgYellow)
	infoColor  = color.New(color.FgCyan)
	plainColor = color.New(color.Reset)
)

func printEvent(w io.Writer, evt state.Event) {
	text, c := describeEvent(evt)
	c.Fprintf(w, "[%s] server %d: %s\n", evt.Timestamp.Format("15:04:05"), evt.ServerID, text)
}

// describeEvent renders evt as one line and picks its color.
func describeEvent(evt state.Event) (string, *color.Color) {
	switch evt.Type {
	case state.EventOnline:
		return "online", goodColor
	case state.EventOffline:
		return "offline", badColor
	case state.EventLoginFailed:
		return fmt.Sprintf("login failed: %v", evt.Data), badColor
	case state.EventStatusAlertMessageChanged:
		if msg, _ := evt.Data.(string); msg != "" {
			return "alert: " + msg, warnColor
		}
		return "alert cleared", goodColor
	case state.EventDevicesReady:
		return "camera list loaded", infoColor
	case state.EventCameraAdded, state.EventCameraUpdated, state.EventCameraRemoved:
		c, _ := evt.Data.(camera.Camera)
		online := "offline"
		if c.Online {
			online = "online"
		}
		return fmt.Sprintf("%s camera %d %q (%s)", evt.Type, c.ID, c.Name, online), infoColor
	default:
		return string(evt.Type), plainColor
	}
}
