// Binary kerneldctl is an operator CLI over a kerneld workspace: it reads
// and repairs the on-disk dialog tree directly, without talking to a
// running kerneld process. Grounded on vanducng-goclaw's cmd package
// (a rootCmd with one function-per-subcommand, PersistentFlags for shared
// config).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/reconcile"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

var workspaceRoot string

func main() {
	root := &cobra.Command{
		Use:   "kerneldctl",
		Short: "Inspect and repair a dialog orchestration kernel's workspace",
	}
	root.PersistentFlags().StringVar(&workspaceRoot, "workspace", ".", "kernel workspace root directory")

	root.AddCommand(listDialogsCmd())
	root.AddCommand(tailCourseCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(archiveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() *store.Store {
	return store.New(workspaceRoot, func(key string, err error) {
		fmt.Fprintf(os.Stderr, "write-back error: %s: %v\n", key, err)
	})
}

func parseStatus(s string) (dialog.Status, error) {
	switch dialog.Status(s) {
	case dialog.StatusRunning, dialog.StatusDone, dialog.StatusArchived:
		return dialog.Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q (want running, done, or archived)", s)
	}
}

func listDialogsCmd() *cobra.Command {
	var statusFlag string
	cmd := &cobra.Command{
		Use:   "list-dialogs",
		Short: "List every dialog under a status bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := parseStatus(statusFlag)
			if err != nil {
				return err
			}
			st := openStore()
			entries, err := st.Enumerate(status)
			if err != nil {
				return fmt.Errorf("enumerate: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("(no dialogs)")
				return nil
			}
			for _, e := range entries {
				latest, err := st.ReadLatest(e.Ref, status)
				if err != nil {
					fmt.Fprintf(os.Stderr, "  %-40s  (latest.yaml unreadable: %v)\n", e.Ref.SelfID(), err)
					continue
				}
				fmt.Printf("%-40s  agent=%-20s  course=%-4d  runState=%s\n",
					e.Ref.SelfID(), e.Meta.AgentID, latest.CurrentCourse, latest.RunState.Kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", string(dialog.StatusRunning), "status bucket: running, done, or archived")
	return cmd
}

func tailCourseCmd() *cobra.Command {
	var statusFlag string
	var courseFlag int
	cmd := &cobra.Command{
		Use:   "tail-course <dialogId>",
		Short: "Print every record in one dialog's course log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := parseStatus(statusFlag)
			if err != nil {
				return err
			}
			st := openStore()
			ref := store.Ref{RootSelfID: args[0]}

			course := courseFlag
			if course <= 0 {
				course, err = st.HighestCourse(ref, status)
				if err != nil {
					return fmt.Errorf("highest course: %w", err)
				}
			}
			records, err := st.ReadCourse(ref, status, course)
			if err != nil {
				return fmt.Errorf("read course %d: %w", course, err)
			}
			if len(records) == 0 {
				fmt.Printf("(course %d is empty or missing)\n", course)
				return nil
			}
			for _, r := range records {
				fmt.Printf("[%s] genseq=%d callId=%-12s type=%-22s body=%s\n",
					r.Timestamp.Format("15:04:05"), r.Genseq, r.CallID, r.Type, string(r.Body))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", string(dialog.StatusRunning), "status bucket: running, done, or archived")
	cmd.Flags().IntVar(&courseFlag, "course", 0, "course number to print (default: highest on disk)")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run startup run-state reconciliation against the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := openStore()
			if dryRun {
				entries, err := st.Enumerate(dialog.StatusRunning)
				if err != nil {
					return fmt.Errorf("enumerate: %w", err)
				}
				for _, e := range entries {
					latest, err := st.ReadLatest(e.Ref, dialog.StatusRunning)
					if err != nil {
						continue
					}
					if latest.RunState.Kind == dialog.RunProceeding && latest.Generating {
						fmt.Printf("%-40s  would downgrade proceeding{generating} -> interrupted{server_restart}\n", e.Ref.SelfID())
					}
				}
				return nil
			}
			outcomes, err := reconcile.Run(st)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			if len(outcomes) == 0 {
				fmt.Println("(nothing to reconcile)")
				return nil
			}
			for _, o := range outcomes {
				fmt.Printf("%-40s  %s -> %s\n", o.Ref.SelfID(), o.Before.Kind, o.After.Kind)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the proceeding{generating} -> interrupted downgrades without writing anything (question/subdialog overrides are not reported)")
	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <rootId>",
		Short: "Move a completed root dialog from done to archived",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := openStore()
			ref := store.Ref{RootSelfID: args[0]}
			if err := st.Archive(ref); err != nil {
				return fmt.Errorf("archive %s: %w", args[0], err)
			}
			fmt.Printf("archived %s\n", args[0])
			return nil
		},
	}
	return cmd
}
