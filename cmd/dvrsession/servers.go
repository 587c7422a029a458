package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trymwestin/dvrsession/internal/core/endpoint"
	"github.com/trymwestin/dvrsession/internal/core/session"
	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/settings"
)

// storeCmd bundles what the offline store-editing commands need.
type storeCmd struct {
	store *settings.FileStore
	bus   *state.EventBus
	log   *slog.Logger
}

func openStore() (*storeCmd, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := settings.OpenFileStore(cfg.Settings.Path)
	if err != nil {
		return nil, err
	}
	return &storeCmd{store: store, bus: state.NewEventBus(log), log: log}, nil
}

// endpoint loads a configured endpoint, rejecting unknown ids.
func (c *storeCmd) endpoint(arg string) (*endpoint.Endpoint, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid server id %q", arg)
	}
	for _, known := range c.store.IDs() {
		if known == id {
			return endpoint.Load(id, c.store, c.bus, c.log), nil
		}
	}
	return nil, fmt.Errorf("%w: %d", session.ErrUnknownServer, id)
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage the configured DVR servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := openStore()
		if err != nil {
			return err
		}
		infos := make([]endpoint.Info, 0)
		for _, id := range sc.store.IDs() {
			infos = append(infos, endpoint.Load(id, sc.store, sc.bus, sc.log).Info())
		}
		writeServerTable(os.Stdout, infos)
		return nil
	},
}

func writeServerTable(out io.Writer, infos []endpoint.Info) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHOST\tPORT\tUSER\tAUTO\tPINNED")
	fmt.Fprintln(w, "--\t----\t----\t----\t----\t----\t------")
	for _, in := range infos {
		pinned := "no"
		if in.PinnedDigest != "" {
			pinned = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%t\t%s\n",
			in.ID, in.DisplayName, in.Hostname, in.Port, in.Username, in.AutoConnect, pinned)
	}
	w.Flush()
}

var (
	srvName     string
	srvHost     string
	srvPort     int
	srvUser     string
	srvPassword string
	srvAuto     bool
)

var serversAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if srvHost == "" {
			return fmt.Errorf("--host is required")
		}
		if err := checkPort(srvPort); err != nil {
			return err
		}
		sc, err := openStore()
		if err != nil {
			return err
		}
		auto := srvAuto
		ep := endpoint.Load(settings.NextID(sc.store), sc.store, sc.bus, sc.log)
		session.Configure(ep, session.ServerConfig{
			DisplayName: srvName,
			Hostname:    srvHost,
			Port:        srvPort,
			Username:    srvUser,
			Password:    srvPassword,
			AutoConnect: &auto,
		})
		color.Green("Added server %d (%s)", ep.ID(), ep.DisplayName())
		return nil
	},
}

var serversSetCmd = &cobra.Command{
	Use:   "set <id>",
	Short: "Change settings of a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := openStore()
		if err != nil {
			return err
		}
		ep, err := sc.endpoint(args[0])
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("port") {
			if err := checkPort(srvPort); err != nil {
				return err
			}
			ep.SetPort(srvPort)
		}
		if flags.Changed("name") {
			ep.SetDisplayName(srvName)
		}
		if flags.Changed("host") {
			ep.SetHostname(srvHost)
		}
		if flags.Changed("user") {
			ep.SetUsername(srvUser)
		}
		if flags.Changed("password") {
			ep.SetPassword(srvPassword)
		}
		if flags.Changed("auto-connect") {
			ep.SetAutoConnect(srvAuto)
		}
		color.Green("Updated server %d", ep.ID())
		return nil
	},
}

var serversRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a server and its pinned certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := openStore()
		if err != nil {
			return err
		}
		ep, err := sc.endpoint(args[0])
		if err != nil {
			return err
		}
		ep.Remove()
		color.Yellow("Removed server %d", ep.ID())
		return nil
	},
}

func checkPort(port int) error {
	if port < 0 || port > 65534 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{serversAddCmd, serversSetCmd} {
		c.Flags().StringVar(&srvName, "name", "", "display name (defaults to the host)")
		c.Flags().StringVar(&srvHost, "host", "", "hostname or address")
		c.Flags().IntVar(&srvPort, "port", endpoint.DefaultPort, "server port")
		c.Flags().StringVar(&srvUser, "user", "", "login user")
		c.Flags().StringVar(&srvPassword, "password", "", "login password")
		c.Flags().BoolVar(&srvAuto, "auto-connect", true, "log in on startup")
	}
	serversCmd.AddCommand(serversListCmd, serversAddCmd, serversSetCmd, serversRemoveCmd)
	rootCmd.AddCommand(serversCmd)
}
