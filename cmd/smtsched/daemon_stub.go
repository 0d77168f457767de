//go:build !linux

package main

import "github.com/spf13/cobra"

// platformCommands: the daemon, probe, and injector commands need the
// Linux kernel interfaces and are unavailable elsewhere.
func platformCommands() []*cobra.Command {
	return nil
}
