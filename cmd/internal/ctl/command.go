package ctl

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://127.0.0.1:3030"

type rootFlags struct {
	Server  string
	Timeout time.Duration
}

type watchFlags struct {
	Tokens  []string
	Origin  string
	History int
	Count   int
}

// NewRootCmd builds the classworksctl command tree.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "classworksctl",
		Short:         "Operator client for a Classworks server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	server := os.Getenv("CLASSWORKS_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVarP(&flags.Server, "server", "s", server, "server base URL (env CLASSWORKS_SERVER)")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 15*time.Second, "per-request HTTP timeout")

	root.AddCommand(newGetTokenCmd(flags), newWatchCmd(flags))
	return root
}

func (f *rootFlags) client() (*Client, error) {
	return NewClient(f.Server, &http.Client{Timeout: f.Timeout})
}

func newGetTokenCmd(flags *rootFlags) *cobra.Command {
	var (
		interval time.Duration
		wait     time.Duration
	)
	c := &cobra.Command{
		Use:   "get-token",
		Short: "Obtain an app token through the device-code flow",
		Long: "get-token requests a device code, prints it, and waits until someone binds " +
			"a token to it from the web console. The token is printed on stdout.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := flags.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			dc, err := cl.CreateDeviceCode(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "device code: %s\n%s (expires in %ds)\n", dc.Code, dc.Message, dc.ExpiresIn)

			if wait <= 0 {
				wait = time.Duration(dc.ExpiresIn) * time.Second
			}
			if wait > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, wait)
				defer cancel()
			}
			tok, err := cl.PollToken(ctx, dc.Code, interval)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	c.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	c.Flags().DurationVar(&wait, "wait", 0, "give up after this long (default: code lifetime)")
	return c
}

func newWatchCmd(flags *rootFlags) *cobra.Command {
	wf := &watchFlags{}
	c := &cobra.Command{
		Use:   "watch",
		Short: "Stream realtime events for one or more app tokens",
		Long:  "watch joins the realtime channel with every --token and prints each envelope as a JSON line.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := flags.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return Watch(ctx, cl.RealtimeURL(), WatchOptions{
				Tokens:  wf.Tokens,
				Origin:  wf.Origin,
				History: wf.History,
				Count:   wf.Count,
				Dial:    flags.Timeout,
			}, cmd.OutOrStdout())
		},
	}
	c.Flags().StringSliceVarP(&wf.Tokens, "token", "t", nil, "app token to join with (repeatable)")
	c.Flags().StringVar(&wf.Origin, "origin", "", "Origin header for the handshake")
	c.Flags().IntVar(&wf.History, "history", 0, "request this many history events after joining")
	c.Flags().IntVarP(&wf.Count, "count", "n", 0, "exit after this many envelopes")
	_ = c.MarkFlagRequired("token")
	return c
}
