package main

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/shelepuginivan/systat/bus"
	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/wire"
)

type propertyOptions struct {
	session bool
	tree    bool
}

func newCmdProperty() *cobra.Command {
	opts := &propertyOptions{}

	cmd := &cobra.Command{
		Use:   "property <destination> <path> <interface> <name>",
		Short: "Print a property of a bus object",
		Example: `  systat property org.freedesktop.NetworkManager /org/freedesktop/NetworkManager \
    org.freedesktop.NetworkManager State`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := dbus.ObjectPath(args[1])
			if !path.IsValid() {
				return fault.Errorf(fault.MalformedStructure, "invalid object path %q", args[1])
			}

			dial := bus.SystemBus
			if opts.session {
				dial = bus.SessionBus
			}

			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			obj := conn.Object(args[0], path)

			if opts.tree {
				root, err := obj.Call("org.freedesktop.DBus.Properties", "Get", args[2], args[3])
				if err != nil {
					return err
				}
				wire.Dump(cmd.OutOrStdout(), root)
				return nil
			}

			value, err := obj.GetProperty(args[2], args[3])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.session, "session", false, "Query the session bus instead of the system bus")
	cmd.Flags().BoolVar(&opts.tree, "tree", false, "Print the decoded reply as a tree")

	return cmd
}
