package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trymwestin/dvrsession/internal/core/trust"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect or change the pinned server certificates",
}

var trustShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the pinned certificate digest of a server",
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
		digest := ep.PinnedDigest()
		if len(digest) == 0 {
			color.Yellow("Server %d has no pinned certificate; the next one seen will be trusted.", ep.ID())
			return nil
		}
		fmt.Printf("SHA-1 %s\n", fingerprint(digest))
		return nil
	},
}

var trustForgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Clear the pinned certificate of a server",
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
		trust.New(ep.ID(), ep, sc.log).Forget()
		color.Yellow("Forgot the pinned certificate of server %d", ep.ID())
		return nil
	},
}

var trustPinCmd = &cobra.Command{
	Use:   "pin <id>",
	Short: "Fetch the certificate a server presents now and pin it",
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
		if ep.Hostname() == "" {
			return fmt.Errorf("server %d has no hostname", ep.ID())
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		addr := net.JoinHostPort(ep.Hostname(), strconv.Itoa(ep.ServerPort()))
		cert, err := trust.FetchCertificate(ctx, addr)
		if err != nil {
			return err
		}
		trust.New(ep.ID(), ep, sc.log).SetKnownCertificate(cert)
		color.Green("Pinned %s (SHA-1 %s)", cert.Subject.String(), fingerprint(trust.Digest(cert)))
		return nil
	},
}

// fingerprint formats a digest as colon separated upper-case hex pairs.
func fingerprint(digest []byte) string {
	parts := make([]string, len(digest))
	for i, b := range digest {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

func init() {
	trustCmd.AddCommand(trustShowCmd, trustForgetCmd, trustPinCmd)
	rootCmd.AddCommand(trustCmd)
}
