package cli

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/davarch/approval-gate/internal/domain"
	"github.com/spf13/cobra"
)

var (
	trigOwner  string
	trigRepo   string
	trigBranch string
	trigCommit string
	cancelBy   string
	outJSON    bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a pipeline execution for a commit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}

		var e domain.PipelineExecution
		in := domain.Trigger{Owner: trigOwner, Repo: trigRepo, Branch: trigBranch, Commit: trigCommit}
		if err := c.do(cmd.Context(), "POST", "/executions", in, &e); err != nil {
			return err
		}
		if outJSON {
			return printJSON(os.Stdout, e)
		}
		fmt.Printf("%s\t%s\t%s\n", e.ID, e.Status, e.Reason)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <execution_id>",
	Short: "Show an execution with its stage history and approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}

		var v domain.ExecutionView
		if err := c.do(cmd.Context(), "GET", "/executions/"+url.PathEscape(args[0]), nil, &v); err != nil {
			return err
		}
		if outJSON {
			return printJSON(os.Stdout, v)
		}

		fmt.Printf("execution %s (%s)\n", v.ID, v.Pipeline)
		fmt.Printf("commit    %s/%s@%s on %s\n", v.Trigger.Owner, v.Trigger.Repo, v.Trigger.Commit, v.Trigger.Branch)
		fmt.Printf("status    %s %s\n", v.Status, v.Reason)
		if v.Approval != nil {
			fmt.Printf("approval  %s %s (expires %s)\n", v.Approval.Token, v.Approval.Status, v.Approval.ExpiresAt.Local().Format("2006-01-02 15:04"))
			for _, d := range v.Decisions {
				fmt.Printf("          %s by %s at %s %s\n", d.Decision, d.Actor, d.DecidedAt.Local().Format("15:04:05"), d.Comment)
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "\nSTAGE\tOUTCOME\tFINISHED\tMESSAGE")
		for _, s := range v.Stages {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Stage, s.Outcome, s.FinishedAt.Local().Format("15:04:05"), s.Message)
		}
		return w.Flush()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution_id>",
	Short: "Cancel a running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}

		var e domain.PipelineExecution
		in := map[string]string{"actor": cancelBy}
		if err := c.do(cmd.Context(), "POST", "/executions/"+url.PathEscape(args[0])+"/cancel", in, &e); err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", e.ID, e.Status, e.Reason)
		return nil
	},
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending approvals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}

		var items []domain.ApprovalRequest
		if err := c.do(cmd.Context(), "GET", "/approvals?status=pending", nil, &items); err != nil {
			return err
		}
		if outJSON {
			return printJSON(os.Stdout, items)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "TOKEN\tEXECUTION\tPIPELINE\tEXPIRES\tLINK")
		for _, r := range items {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Token, r.ExecutionID, r.Pipeline,
				r.ExpiresAt.Local().Format("2006-01-02 15:04"), r.ReferenceLink)
		}
		return w.Flush()
	},
}

func init() {
	triggerCmd.Flags().StringVar(&trigOwner, "owner", "", "repository owner (default from pipeline.owner)")
	triggerCmd.Flags().StringVar(&trigRepo, "repo", "", "repository name (default from pipeline.repo)")
	triggerCmd.Flags().StringVar(&trigBranch, "branch", "", "branch (default from pipeline.branch)")
	triggerCmd.Flags().StringVar(&trigCommit, "commit", "", "commit sha")
	_ = triggerCmd.MarkFlagRequired("commit")

	cancelCmd.Flags().StringVar(&cancelBy, "actor", os.Getenv("USER"), "who is cancelling")

	for _, c := range []*cobra.Command{triggerCmd, statusCmd, approvalsCmd} {
		c.Flags().BoolVar(&outJSON, "json", false, "print JSON")
	}

	rootCmd.AddCommand(triggerCmd, statusCmd, cancelCmd, approvalsCmd)
}
