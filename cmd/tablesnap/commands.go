package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/tablesnap/internal/core"
	"github.com/JonMunkholm/tablesnap/internal/snapshot"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTablesCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List tables in restore order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.open(cmd)
			if err != nil {
				return err
			}
			tables, err := svc.Tables(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, tables)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tCOLUMNS\tPRIMARY KEY\tREFERENCES\tREAD-ONLY")
			for _, t := range tables {
				var refs []string
				for _, fk := range t.ForeignKeys {
					refs = append(refs, fk.RefTable)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\n",
					t.Name, len(t.Columns), strings.Join(t.PrimaryKey, ","), strings.Join(refs, ","), t.ReadOnly)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

func newDumpCmd(a *app) *cobra.Command {
	var (
		tables []string
		output string
		save   bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write a snapshot to stdout, a file or the snapshot directory",
		Long: `Write a snapshot of the selected tables (all by default).

Without flags the snapshot goes to stdout. With -o it goes to a file, with
--save into the snapshot directory under a generated name. Rows and tables
that cannot be read are logged and skipped; the exit status is 2 when that
happened.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.open(cmd)
			if err != nil {
				return err
			}

			var res snapshot.WriteResult
			switch {
			case save:
				var info snapshot.FileInfo
				info, res, err = svc.CreateSnapshot(cmd.Context(), tables)
				if err == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "saved", info.Name)
				}
			case output != "" && output != "-":
				res, err = dumpToFile(cmd, svc, output, tables)
			default:
				res, err = svc.WriteSnapshot(cmd.Context(), cmd.OutOrStdout(), tables)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d rows, %d bytes, %d failed rows, %d failed tables\n",
				res.TotalRows, res.Bytes, res.FailedRows, len(res.FailedTables))
			if res.HadErrors {
				return errPartial
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tables, "tables", nil, "comma-separated tables to dump")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&save, "save", false, "save into the snapshot directory")
	cmd.MarkFlagsMutuallyExclusive("output", "save")
	return cmd
}

// dumpToFile writes through a temp file so a failed dump leaves no partial
// snapshot behind.
func dumpToFile(cmd *cobra.Command, svc *core.Service, path string, tables []string) (snapshot.WriteResult, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return snapshot.WriteResult{}, err
	}
	res, err := svc.WriteSnapshot(cmd.Context(), f, tables)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return res, err
	}
	return res, os.Rename(tmp, path)
}

type restoreFlags struct {
	tables       []string
	maxExecution time.Duration
	once         bool
	asJSON       bool
}

func (f *restoreFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.maxExecution, "max-execution", 0, "time budget per invocation (0 uses SNAPSHOT_MAX_EXECUTION, negative disables)")
	cmd.Flags().BoolVar(&f.once, "once", false, "stop after one invocation and print the continuation token")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the final result as JSON")
}

func newRestoreCmd(a *app) *cobra.Command {
	var f restoreFlags
	cmd := &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Restore a snapshot into the database",
		Long: `Restore a snapshot file into the database.

The argument is a name in the snapshot directory or a path. Every table in
scope is cleared first, then refilled from the file. When an invocation runs
out of time the work so far is committed and the next invocation continues
from the following record; without --once this repeats until the restore is
done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd, a, core.RestoreRequest{
				File:         args[0],
				Tables:       f.tables,
				MaxExecution: f.maxExecution,
			}, f)
		},
	}
	cmd.Flags().StringSliceVar(&f.tables, "tables", nil, "comma-separated tables to restore")
	f.register(cmd)
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var (
		f     restoreFlags
		token string
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a suspended restore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRestore(cmd, a, core.RestoreRequest{
				MaxExecution: f.maxExecution,
				Token:        token,
			}, f)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "continuation token printed by a suspended restore")
	cmd.MarkFlagRequired("token")
	f.register(cmd)
	return cmd
}

func runRestore(cmd *cobra.Command, a *app, req core.RestoreRequest, f restoreFlags) error {
	svc, err := a.open(cmd)
	if err != nil {
		return err
	}
	stderr := cmd.ErrOrStderr()

	for {
		res, err := svc.Restore(cmd.Context(), req)
		if err != nil {
			return err
		}
		if res.Status != snapshot.StatusSuspended {
			return reportRestore(cmd, res, "", f.asJSON)
		}

		token, err := res.Token.Encode()
		if err != nil {
			return err
		}
		if f.once {
			return reportRestore(cmd, res, token, f.asJSON)
		}
		fmt.Fprintf(stderr, "suspended after %d lines, continuing\n", res.Report.TotalLinesRead)
		req = core.RestoreRequest{File: req.File, MaxExecution: req.MaxExecution, Token: token}
	}
}

func reportRestore(cmd *cobra.Command, res *snapshot.Result, token string, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, struct {
			*snapshot.Result
			Token string `json:"token,omitempty"`
		}{res, token})
	}
	r := res.Report
	fmt.Fprintf(out, "status: %s\nrestore: %s\nlines: %d\ninserted: %d\nskipped: %d\nvetoed: %d\nfailed: %d\n",
		res.Status, res.RestoreID, r.TotalLinesRead, r.InsertedRows, r.SkippedRows, r.VetoedRows, r.FailedRows)
	for _, w := range r.Warnings {
		fmt.Fprintf(out, "drift %s: added %v removed %v\n", w.Table, w.Added, w.Removed)
	}
	if res.MigrationRequired {
		fmt.Fprintln(out, "migration: snapshot schema is older than the database")
	}
	if token != "" {
		fmt.Fprintf(out, "token: %s\n", token)
	}
	if !r.Success() {
		return errPartial
	}
	return nil
}

func newRepairCmd(a *app) *cobra.Command {
	var apply, all bool
	cmd := &cobra.Command{
		Use:   "repair [table]",
		Short: "Recompute nested-set bounds of a tree table",
		Long: `Recompute the left, right and level columns of a tree table from its
materialized paths. Without --apply only the number of corrections is
reported. Tables must be listed in NESTEDSET_TABLES.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open(cmd)
			if err != nil {
				return err
			}
			var tables []string
			switch {
			case all:
				for _, def := range svc.Trees() {
					tables = append(tables, def.Table)
				}
			case len(args) == 1:
				tables = args
			default:
				return fmt.Errorf("name a table or pass --all")
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tTREES\tNODES\tCORRECTIONS\tORPHANS\tAPPLIED")
			for _, table := range tables {
				rep, err := svc.RepairTree(cmd.Context(), table, apply)
				if err != nil {
					tw.Flush()
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%t\n",
					rep.Table, rep.Trees, rep.Nodes, rep.Corrections, rep.Orphans, rep.Applied)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "write the corrections")
	cmd.Flags().BoolVar(&all, "all", false, "repair every configured tree table")
	return cmd
}

func newSnapshotsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Manage the snapshot directory",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.open(cmd)
			if err != nil {
				return err
			}
			files, err := svc.ListSnapshots()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), files)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tSCHEMA\tPRODUCT\tDATE")
			for _, fi := range files {
				if fi.Header == nil {
					fmt.Fprintf(tw, "%s\t%d\t-\t-\t%s\n", fi.Name, fi.Size, fi.HeaderErr)
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s %s\t%s\n", fi.Name, fi.Size,
					fi.Header.SchemaVersion, fi.Header.ProductName, fi.Header.ProductVersion, fi.Header.Date)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")

	var keep int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.open(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("keep") {
				keep = a.cfg.Snapshot.RetentionCount
			}
			removed, err := svc.PruneSnapshots(cmd.Context(), keep)
			for _, name := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), "removed", name)
			}
			return err
		},
	}
	prune.Flags().IntVar(&keep, "keep", 0, "snapshots to keep (default SNAPSHOT_RETENTION_COUNT)")

	cmd.AddCommand(list, prune)
	return cmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "tablesnap %s (snapshot format %d)\n", version, snapshot.FormatVersion)
			return nil
		},
	}
}
