// Command meristem runs the Core service and the plugin registry operations.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// usageError marks failures caused by bad invocation rather than runtime
// faults, so main can exit 2 instead of 1.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

var homeFlag string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meristem",
		Short:         "Meristem Core: node orchestration, plugins, audit and fanout",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&homeFlag, "home", "", "home directory (default $MERISTEM_HOME)")

	root.AddCommand(newStartCmd("start"))
	root.AddCommand(newStartCmd("serve"))
	root.AddCommand(newSyncCmd())
	root.AddCommand(newSearchCmd())
	root.AddCommand(newInstallCmd())
	root.AddCommand(newUpgradeCmd(false))
	root.AddCommand(newUpgradeCmd(true))
	root.AddCommand(newQueryCmd())
	root.AddCommand(newVerifyCmd())
	return root
}

// pacmanOps maps the short operation forms onto their command names.
var pacmanOps = map[string]string{
	"-Sy":  "sync",
	"-Ss":  "search",
	"-S":   "install",
	"-Su":  "upgrade",
	"-Syu": "sync-upgrade",
	"-Q":   "query",
	"-Qk":  "verify",
}

// normalizeArgs rewrites a leading pacman-style operation into its command
// name so cobra can dispatch it.
func normalizeArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	if name, ok := pacmanOps[args[0]]; ok {
		out := append([]string{name}, args[1:]...)
		return out
	}
	return args
}

func main() {
	root := newRootCmd()
	root.SetArgs(normalizeArgs(os.Args[1:]))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
