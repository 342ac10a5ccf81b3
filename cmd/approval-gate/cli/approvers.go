package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/davarch/approval-gate/internal/infrastructure/approvers"
	"github.com/davarch/approval-gate/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var approversCmd = &cobra.Command{
	Use:   "approvers",
	Short: "Manage who may approve deployments",
}

var approversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approvers from config.yaml (and APPROVERS)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		names := approvers.New(cfg.Approval.Approvers).List()
		if outJSON {
			return printJSON(os.Stdout, names)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var approversAddCmd = &cobra.Command{
	Use:   "add <name>...",
	Short: "Add approvers to config.yaml",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editApprovers(func(set map[string]bool) []string {
			var changed []string
			for _, a := range args {
				if n := approvers.Normalize(a); n != "" && !set[n] {
					set[n] = true
					changed = append(changed, n)
				}
			}
			return changed
		}, "added")
	},
}

var approversRemoveCmd = &cobra.Command{
	Use:   "remove <name>...",
	Short: "Remove approvers from config.yaml",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editApprovers(func(set map[string]bool) []string {
			var changed []string
			for _, a := range args {
				if n := approvers.Normalize(a); set[n] {
					delete(set, n)
					changed = append(changed, n)
				}
			}
			return changed
		}, "removed")
	},
}

// editApprovers rewrites only what the file holds, so secrets that came from
// the environment are never persisted.
func editApprovers(apply func(map[string]bool) []string, verb string) error {
	cfg, err := config.LoadFile(cfgPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	set := make(map[string]bool, len(cfg.Approval.Approvers))
	for _, n := range cfg.Approval.Approvers {
		set[approvers.Normalize(n)] = true
	}

	changed := apply(set)
	if len(changed) == 0 {
		fmt.Println("no change")
		return nil
	}

	cfg.Approval.Approvers = approvers.New(keys(set)).List()
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", verb, strings.Join(changed, ", "))
	return nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func init() {
	approversListCmd.Flags().BoolVar(&outJSON, "json", false, "print JSON")

	approversRemoveCmd.ValidArgsFunction = func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		cfg, err := config.LoadFile(cfgPath)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		out := make([]string, 0, len(cfg.Approval.Approvers))
		for _, n := range cfg.Approval.Approvers {
			if strings.HasPrefix(n, toComplete) {
				out = append(out, n)
			}
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	}

	approversCmd.AddCommand(approversListCmd, approversAddCmd, approversRemoveCmd)
	rootCmd.AddCommand(approversCmd)
}
