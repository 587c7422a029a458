package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/trymwestin/dvrsession/internal/config"
)

var serviceAction string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the session daemon",
	Long: `Run the session daemon in the foreground, or manage it as a system
service with --service install|uninstall|start|stop|restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		prg := &program{cfg: cfg, log: log}
		svc, err := service.New(prg, serviceConfig())
		if err != nil {
			return fmt.Errorf("service: %w", err)
		}

		if serviceAction != "" {
			if err := service.Control(svc, serviceAction); err != nil {
				return fmt.Errorf("service %s: %w (valid actions: %v)", serviceAction, err, service.ControlAction)
			}
			fmt.Printf("Service action %q completed.\n", serviceAction)
			return nil
		}
		return svc.Run()
	},
}

func init() {
	runCmd.Flags().StringVar(&serviceAction, "service", "", "control the system service: install, uninstall, start, stop, restart")
	rootCmd.AddCommand(runCmd)
}

func serviceConfig() *service.Config {
	args := []string{"run"}
	if cfgFile != "" {
		if abs, err := filepath.Abs(cfgFile); err == nil {
			args = append(args, "--config", abs)
		}
	}
	return &service.Config{
		Name:        "dvrsession",
		DisplayName: "DVR Session Daemon",
		Description: "Keeps sessions to DVR servers and publishes their cameras.",
		Arguments:   args,
	}
}

// program implements service.Interface.
type program struct {
	cfg config.Config
	log *slog.Logger

	app    *app
	cancel context.CancelFunc
}

// Start must not block; the sessions run on their own goroutines.
func (p *program) Start(service.Service) error {
	a, err := newApp(p.cfg, p.log)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.start(ctx); err != nil {
		cancel()
		return err
	}
	p.app, p.cancel = a, cancel
	p.log.Info("dvrsession started", "servers", len(a.mgr.Sessions()))
	return nil
}

func (p *program) Stop(service.Service) error {
	p.log.Info("dvrsession stopping")
	if p.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.app.stop(ctx)
	p.cancel()
	return nil
}
