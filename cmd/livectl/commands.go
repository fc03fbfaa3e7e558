package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	Addr  string
	Token string
}

func (o *globalOptions) client() *apiClient {
	return newAPIClient(o.Addr, o.Token)
}

// New returns the livectl root command.
func New() *cobra.Command {
	o := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "livectl",
		Short:         "Control a running live-notifier daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	addr := os.Getenv("LIVECTL_ADDR")
	if addr == "" {
		addr = "http://127.0.0.1:8080"
	}
	cmd.PersistentFlags().StringVar(&o.Addr, "addr", addr, "daemon address (env LIVECTL_ADDR)")
	cmd.PersistentFlags().StringVar(&o.Token, "token", os.Getenv("ADMIN_TOKEN"), "admin token sent as X-Admin-Token (env ADMIN_TOKEN)")

	addStatus(cmd, o)
	addMonitoring(cmd, o)
	addToggleMute(cmd, o)
	addTestSend(cmd, o)
	addAuth(cmd, o)
	addSettings(cmd, o)
	return cmd
}

func addStatus(topLevel *cobra.Command, o *globalOptions) {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check now whether the channel is live.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				IsLive bool `json:"isLive"`
			}
			if err := o.client().action("checkStatus", &res); err != nil {
				return err
			}
			if res.IsLive {
				fmt.Fprintln(cmd.OutOrStdout(), "live")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "offline")
			}
			return nil
		},
	}
	topLevel.AddCommand(cmd)
}

func addMonitoring(topLevel *cobra.Command, o *globalOptions) {
	for _, c := range []struct{ use, short, action, done string }{
		{"start", "Start periodic live checks.", "startMonitoring", "monitoring started"},
		{"stop", "Stop periodic live checks.", "stopMonitoring", "monitoring stopped"},
	} {
		topLevel.AddCommand(&cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := o.client().action(c.action, nil); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), c.done)
				return nil
			},
		})
	}
}

func addToggleMute(topLevel *cobra.Command, o *globalOptions) {
	topLevel.AddCommand(&cobra.Command{
		Use:   "toggle-mute",
		Short: "Flip the mute state of the tab opened for the stream.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Muted bool `json:"muted"`
			}
			if err := o.client().action("toggleMute", &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "muted: %t\n", res.Muted)
			return nil
		},
	})
}

func addTestSend(topLevel *cobra.Command, o *globalOptions) {
	topLevel.AddCommand(&cobra.Command{
		Use:   "test-send",
		Short: "Post one random configured message to chat now.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.client().action("testSendMessage", nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "message sent")
			return nil
		},
	})
}

func addAuth(topLevel *cobra.Command, o *globalOptions) {
	var returnTo string
	login := &cobra.Command{
		Use:   "login-url",
		Short: "Print the Twitch authorization URL to open in a browser.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := o.client().loginURL(returnTo)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	login.Flags().StringVar(&returnTo, "return-to", "", "local path to land on after the login completes, e.g. /settings")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored Twitch tokens.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.client().do("POST", "/auth/logout", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show the chat account in use.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Authenticated bool   `json:"authenticated"`
				Username      string `json:"username"`
				Refreshable   bool   `json:"refreshable"`
			}
			if err := o.client().do("GET", "/auth/status", nil, &res); err != nil {
				return err
			}
			if !res.Authenticated {
				fmt.Fprintln(cmd.OutOrStdout(), "not logged in")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (refreshable: %t)\n", res.Username, res.Refreshable)
			return nil
		},
	}
	topLevel.AddCommand(login, logout, whoami)
}

func addSettings(topLevel *cobra.Command, o *globalOptions) {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the stored settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the settings as JSON.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]any
			if err := o.client().do("GET", "/settings", nil, &res); err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}

	var (
		autoOpen, muted, autoMessages bool
		minInterval, maxInterval      int
		messages                      []string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Update the settings given as flags; the others keep their value.",
		Example: `
livectl settings set --min-interval 10 --max-interval 25
livectl settings set --message "Salut !" --message "GG"
livectl settings set --auto-messages=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := map[string]any{}
			f := cmd.Flags()
			if f.Changed("auto-open") {
				patch["autoOpen"] = autoOpen
			}
			if f.Changed("muted") {
				patch["muted"] = muted
			}
			if f.Changed("auto-messages") {
				patch["autoMessages"] = autoMessages
			}
			if f.Changed("min-interval") {
				patch["minInterval"] = minInterval
			}
			if f.Changed("max-interval") {
				patch["maxInterval"] = maxInterval
			}
			if f.Changed("message") {
				patch["messages"] = messages
			}
			if len(patch) == 0 {
				return fmt.Errorf("nothing to set, see --help")
			}
			var res map[string]any
			if err := o.client().do("PUT", "/settings", patch, &res); err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	set.Flags().BoolVar(&autoOpen, "auto-open", true, "open the stream when the channel goes live")
	set.Flags().BoolVar(&muted, "muted", true, "mute the opened tab")
	set.Flags().BoolVar(&autoMessages, "auto-messages", true, "post random chat messages while live")
	set.Flags().IntVar(&minInterval, "min-interval", 15, "minimum minutes between messages")
	set.Flags().IntVar(&maxInterval, "max-interval", 40, "maximum minutes between messages")
	set.Flags().StringArrayVar(&messages, "message", nil, "chat message (repeat to set the full list)")

	cmd.AddCommand(get, set)
	topLevel.AddCommand(cmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
