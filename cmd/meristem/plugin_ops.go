package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meristem/core/internal/config"
	"github.com/meristem/core/internal/plugin/catalog"
)

func openCatalog() (*catalog.Catalog, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	home := homeFlag
	if home == "" {
		home = cfg.Runtime.Home
	}
	return catalog.New(home, os.Getenv("MERISTEM_PLUGIN_REGISTRY"), nil), nil
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh the plugin registry index (-Sy)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCatalog()
			if err != nil {
				return err
			}
			n, err := c.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registry synced: %d plugins\n", n)
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search [keyword]",
		Short: "Search the registry (-Ss)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCatalog()
			if err != nil {
				return err
			}
			keyword := ""
			if len(args) == 1 {
				keyword = args[0]
			}
			entries, err := c.Search(keyword)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t%s\n", e.ID, e.Version, e.Description)
			}
			return nil
		},
	}
}

func newInstallCmd() *cobra.Command {
	var ref string
	var required bool
	cmd := &cobra.Command{
		Use:   "install [plugin-id]",
		Short: "Install a plugin, or every required one (-S)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCatalog()
			if err != nil {
				return err
			}
			if required {
				if len(args) != 0 {
					return usageError{msg: "--required takes no plugin id"}
				}
				ids, err := c.InstallRequired(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", id)
				}
				return nil
			}
			if len(args) != 1 {
				return usageError{msg: "install needs a plugin id or --required"}
			}
			m, err := c.Install(cmd.Context(), args[0], ref)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s\n", m.ID, m.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "release channel to install from")
	cmd.Flags().BoolVar(&required, "required", false, "install every plugin the registry marks required")
	return cmd
}

func newUpgradeCmd(withSync bool) *cobra.Command {
	use, short := "upgrade", "Upgrade installed plugins (-Su)"
	if withSync {
		use, short = "sync-upgrade", "Refresh the registry, then upgrade (-Syu)"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCatalog()
			if err != nil {
				return err
			}
			if withSync {
				if _, err := c.Sync(cmd.Context()); err != nil {
					return err
				}
			}
			ids, err := c.Upgrade(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to upgrade")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "upgraded %s\n", id)
			}
			return nil
		},
	}
}

func newQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query",
		Short: "List installed plugins (-Q)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCatalog()
			if err != nil {
				return err
			}
			installed, err := c.Installed()
			if err != nil {
				return err
			}
			for _, m := range installed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", m.ID, m.Version)
			}
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify installed plugins (-Qk)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCatalog()
			if err != nil {
				return err
			}
			issues, err := c.Verify()
			if err != nil {
				return err
			}
			if len(issues) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "all plugins ok")
				return nil
			}
			for _, issue := range issues {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", issue.PluginID, issue.Problem)
			}
			return fmt.Errorf("%d plugins failed verification", len(issues))
		},
	}
}
