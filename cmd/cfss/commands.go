package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/eargollo/cfss/internal/app"
	"github.com/eargollo/cfss/internal/circuit"
	"github.com/eargollo/cfss/internal/importer"
	"github.com/eargollo/cfss/internal/progress"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
)

func newRootCommand() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "cfss",
		Short:        "Track jumper scans across fiber circuits",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")

	// withRuntime opens the runtime for a one-shot command.
	withRuntime := func(fn func(ctx context.Context, rt *runtime, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			return fn(cmd.Context(), rt, args)
		}
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import changed circuit sources from the data directory",
		Args:  cobra.NoArgs,
	}
	force := importCmd.Flags().Bool("force", false, "Rebuild every circuit even when its source is unchanged")
	importCmd.RunE = withRuntime(func(ctx context.Context, rt *runtime, _ []string) error {
		sum, err := rt.imports.Run(ctx, "cli", *force)
		printSummary(sum)
		return err
	})

	circuitsCmd := &cobra.Command{
		Use:   "circuits",
		Short: "List imported circuits",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(ctx context.Context, rt *runtime, _ []string) error {
			circuits, err := rt.service.CircuitDetails(ctx)
			if err != nil {
				return err
			}
			for _, c := range circuits {
				fmt.Printf("%-24s rows=%-5d jumpers=%-3d %s\n", c.ID, c.RowCount, c.MaxJumper, c.SourcePath)
			}
			return nil
		}),
	}

	jumpersCmd := &cobra.Command{
		Use:   "jumpers <circuit>",
		Short: "List the jumper sequences of a circuit with their progress",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
			seqs, err := rt.service.ListJumperSequences(ctx, args[0])
			if err != nil {
				return err
			}
			for _, seq := range seqs {
				st, err := rt.service.Progress(ctx, seq)
				if err != nil {
					return err
				}
				printState(st)
			}
			return nil
		}),
	}

	progressCmd := &cobra.Command{
		Use:   "progress <sequence>",
		Short: "Show scan progress of a jumper sequence",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
			seq, err := circuit.ParseSequenceID(args[0])
			if err != nil {
				return err
			}
			st, err := rt.service.Progress(ctx, seq)
			if err != nil {
				return err
			}
			printState(st)
			return nil
		}),
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <sequence> <serial>",
		Short: "Check a scanned serial against the current position and advance",
		Args:  cobra.ExactArgs(2),
		RunE: withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
			seq, err := circuit.ParseSequenceID(args[0])
			if err != nil {
				return err
			}
			v, err := rt.service.Verify(ctx, seq, args[1])
			if err != nil {
				return err
			}
			if v.Outcome.Kind == progress.KindMatch {
				okColor.Printf("MATCH   ")
			} else {
				errColor.Printf("NOMATCH ")
			}
			fmt.Printf("expected %s, scanned %s\n", v.Expected, v.Scanned)
			printState(v.State)
			return nil
		}),
	}

	resetCmd := &cobra.Command{
		Use:   "reset [sequence]",
		Short: "Clear scan progress of one sequence, or of everything with --all",
		Args:  cobra.MaximumNArgs(1),
	}
	all := resetCmd.Flags().Bool("all", false, "Clear progress of every sequence")
	resetCmd.RunE = withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		switch {
		case *all && len(args) == 0:
			return rt.service.ResetAll(ctx)
		case !*all && len(args) == 1:
			seq, err := circuit.ParseSequenceID(args[0])
			if err != nil {
				return err
			}
			_, err = rt.service.ResetOne(ctx, seq)
			return err
		default:
			return errors.New("give either a sequence or --all")
		}
	})

	migrationsCmd := &cobra.Command{
		Use:   "migrations [circuit]",
		Short: "List recent progress migrations",
		Args:  cobra.MaximumNArgs(1),
	}
	limit := migrationsCmd.Flags().Int("limit", 20, "Maximum number of events")
	migrationsCmd.RunE = withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		var id string
		if len(args) == 1 {
			id = args[0]
		}
		events, err := rt.service.MigrationEvents(ctx, id, *limit)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Printf("%s %-24s migrated=%d/%d collisions=%d dropped=%v\n",
				e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Circuit,
				e.Migrated, e.TotalOld, e.Collisions, e.DroppedJumpers)
		}
		return nil
	})

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cfss %s\n", version)
		},
	}

	rootCmd.AddCommand(
		newServeCommand(&configPath),
		importCmd,
		circuitsCmd,
		jumpersCmd,
		progressCmd,
		verifyCmd,
		resetCmd,
		migrationsCmd,
		versionCmd,
	)
	return rootCmd
}

func printState(st app.State) {
	s := st.Stats
	fmt.Printf("%-28s %d/%d  match=%d nomatch=%d skipped=%d  %.1f%%\n",
		st.Sequence, st.Current, st.Total, s.Match, s.NonMatch, s.Skipped, s.Percentage)
	if st.Entry != nil {
		ep := st.Entry.Endpoint
		fmt.Printf("  next: %s %s / %s / %s  serial %s\n", ep.Tag(), ep.Location, ep.Container, ep.Cassette, ep.Serial)
	}
}

func printSummary(sum importer.Summary) {
	if sum.Seeded > 0 {
		fmt.Printf("seeded %d bundled source(s)\n", sum.Seeded)
	}
	for _, f := range sum.Files {
		switch {
		case f.Error != "":
			errColor.Printf("FAILED  ")
			fmt.Printf("%s: %s\n", f.Path, f.Error)
		case f.Skipped:
			fmt.Printf("SKIPPED %s (unchanged)\n", f.Circuit)
		default:
			okColor.Printf("IMPORTED ")
			fmt.Printf("%s rows=%d", f.Circuit, f.Parse.Rows)
			if f.Report != nil {
				fmt.Printf(" migrated=%d/%d", f.Report.Migrated, f.Report.TotalOld)
				if f.Report.Collisions > 0 || len(f.Report.DroppedJumpers) > 0 {
					warnColor.Printf(" collisions=%d dropped=%v", f.Report.Collisions, f.Report.DroppedJumpers)
				}
			}
			fmt.Println()
		}
	}
	for _, id := range sum.Pruned {
		warnColor.Printf("PRUNED  %s\n", id)
	}
}
