package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"gridswarm.ai/internal/persistence/archive"
	"gridswarm.ai/internal/persistence/indexdb"
	"gridswarm.ai/internal/persistence/snapshot"
	"gridswarm.ai/internal/sim/simerr"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [snapshot | run_id | run_dir]",
		Short: "Show a snapshot header or list recorded runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			asJSON, _ := cmd.Flags().GetBool("json")
			listRuns, _ := cmd.Flags().GetBool("runs")
			if listRuns {
				return inspectRuns(cmd, out, asJSON)
			}
			if len(args) == 0 {
				return simerr.Configf("inspect: need a snapshot path or run id (or --runs)")
			}
			step, _ := cmd.Flags().GetInt64("step")
			return inspectTarget(cmd, out, args[0], step, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	cmd.Flags().Bool("runs", false, "list runs recorded in the run index")
	cmd.Flags().Int64("step", -1, "also print the indexed digest of this step")
	return cmd
}

type inspectReport struct {
	Path       string                  `json:"path"`
	Header     snapshot.Header         `json:"header"`
	Mode       string                  `json:"mode"`
	Seed       int64                   `json:"seed"`
	MaxSteps   int                     `json:"max_steps"`
	Dims       int                     `json:"dims"`
	Size       []int32                 `json:"size"`
	SizeBytes  int64                   `json:"size_bytes"`
	Archive    *archive.RunArchiveMeta `json:"archive,omitempty"`
	StepDigest string                  `json:"step_digest,omitempty"`
}

func inspectTarget(cmd *cobra.Command, out io.Writer, target string, step int64, asJSON bool) error {
	var (
		path   string
		runDir string
		err    error
	)
	if strings.HasSuffix(target, ".snap.zst") {
		path = target
	} else {
		runDir = resolveRunDir(cmd, target)
		path, _, err = snapshot.Latest(runDir)
		if err != nil {
			path, err = indexedSnapshot(cmd, target)
		}
		if err != nil {
			return simerr.Configf("inspect %s: %v", target, err)
		}
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	rep := inspectReport{
		Path:     path,
		Header:   snap.Header,
		Mode:     snap.Mode,
		Seed:     snap.Seed,
		MaxSteps: snap.MaxSteps,
		Dims:     snap.Dims,
		Size:     snap.Size[:min(snap.Dims, len(snap.Size))],
	}
	if fi, err := os.Stat(path); err == nil {
		rep.SizeBytes = fi.Size()
	}
	if runDir != "" {
		if meta, err := archive.ReadMeta(runDir); err == nil {
			rep.Archive = &meta
		}
	}
	if step >= 0 {
		d, err := indexedStepDigest(cmd, snap.Header.RunID, uint64(step))
		if err != nil {
			return fmt.Errorf("inspect step %d: %w", step, err)
		}
		rep.StepDigest = d
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Fprintf(out, "snapshot %s (%s)\n", rep.Path, humanize.Bytes(uint64(rep.SizeBytes)))
	fmt.Fprintf(out, "  run:     %s\n", rep.Header.RunID)
	fmt.Fprintf(out, "  step:    %s / %s\n", humanize.Comma(int64(rep.Header.Step)), humanize.Comma(int64(rep.MaxSteps)))
	fmt.Fprintf(out, "  grid:    %dD %v\n", rep.Dims, rep.Size)
	fmt.Fprintf(out, "  mode:    %s (seed %d)\n", rep.Mode, rep.Seed)
	fmt.Fprintf(out, "  agents:  %s (arrived %s)\n", humanize.Comma(int64(rep.Header.Agents)), humanize.Comma(int64(rep.Header.Arrived)))
	fmt.Fprintf(out, "  digest:  %s\n", rep.Header.Digest)
	if rep.Archive != nil {
		fmt.Fprintf(out, "  archive: %s at step %d (%s)\n", rep.Archive.Reason, rep.Archive.Step, rep.Archive.Snapshot)
	}
	if rep.StepDigest != "" {
		fmt.Fprintf(out, "  step %d digest: %s\n", step, rep.StepDigest)
	}
	return nil
}

func openIndex(cmd *cobra.Command) (*indexdb.SQLiteIndex, error) {
	data, _ := cmd.Flags().GetString("data")
	if data == "" {
		data = "./data"
	}
	p := indexPath(data)
	if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("run index %s: %w", p, err)
	}
	return indexdb.OpenSQLite(p)
}

func indexedSnapshot(cmd *cobra.Command, runID string) (string, error) {
	idx, err := openIndex(cmd)
	if err != nil {
		return "", err
	}
	defer idx.Close()
	path, _, err := idx.LatestSnapshot(cmd.Context(), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no snapshots indexed for run %s", runID)
	}
	return path, err
}

func indexedStepDigest(cmd *cobra.Command, runID string, step uint64) (string, error) {
	idx, err := openIndex(cmd)
	if err != nil {
		return "", err
	}
	defer idx.Close()
	d, err := idx.StepDigest(cmd.Context(), runID, step)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("step not indexed for run %s", runID)
	}
	return d, err
}

func inspectRuns(cmd *cobra.Command, out io.Writer, asJSON bool) error {
	idx, err := openIndex(cmd)
	if err != nil {
		return err
	}
	defer idx.Close()
	runs, err := idx.Runs(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tMODE\tGRID\tAGENTS\tSTEPS\tREASON")
	for _, r := range runs {
		reason := r.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%s\t%s\n",
			r.RunID,
			humanize.RelTime(r.StartedAt, time.Now(), "ago", "from now"),
			r.Mode,
			r.Size,
			humanize.Comma(int64(r.Agents)),
			humanize.Comma(int64(r.Steps)),
			reason,
		)
	}
	return tw.Flush()
}
