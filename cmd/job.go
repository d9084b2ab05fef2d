/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/valpere/poetran/internal/job"
	"github.com/valpere/poetran/internal/recipe"
	"github.com/valpere/poetran/internal/translate"
)

var (
	jobJSON          bool
	jobTick          bool
	jobMethod        string
	jobMode          string
	jobModel         string
	jobMaxConcurrent int
	jobMaxPerTick    int
	jobNow           bool
	jobVerbose       bool
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Drive translation jobs",
	Long: `Initialise, advance and inspect translation jobs.

A job owns one thread's stanzas. Each tick starts up to max-per-tick
queued stanzas, never more than max-concurrent at once.`,
}

var jobInitCmd = &cobra.Command{
	Use:   "init <thread-id>",
	Short: "Create the job for a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		override := &job.Options{
			MaxConcurrent: jobMaxConcurrent,
			MaxPerTick:    jobMaxPerTick,
			Model:         jobModel,
		}
		if jobMethod != "" {
			m, err := translate.ParseMethod(jobMethod)
			if err != nil {
				return err
			}
			override.Method = m
		}
		if jobMode != "" {
			m, err := recipe.ParseMode(jobMode)
			if err != nil {
				return err
			}
			override.Mode = m
		}
		return withApp(cmd.Context(), func(a *app) error {
			snap, err := a.service.Initialize(cmd.Context(), args[0], jobTick, override)
			if err != nil {
				return err
			}
			return report(snap)
		})
	},
}

var jobAdvanceCmd = &cobra.Command{
	Use:   "advance <thread-id>",
	Short: "Run one tick of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			snap, err := a.service.Advance(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			return report(snap)
		})
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <thread-id>",
	Short: "Show a job without advancing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			snap, err := a.service.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return report(snap)
		})
	},
}

var jobRequeueCmd = &cobra.Command{
	Use:   "requeue <thread-id> <stanza-index>",
	Short: "Move a stanza to the front of the queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("stanza index must be an integer: %w", err)
		}
		return withApp(cmd.Context(), func(a *app) error {
			snap, err := a.service.Requeue(cmd.Context(), args[0], idx, jobNow)
			if err != nil {
				return err
			}
			return report(snap)
		})
	},
}

var jobTickAllCmd = &cobra.Command{
	Use:   "tick-all",
	Short: "Run one tick for every open job",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			n, err := a.service.TickAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Ticked %d job(s).\n", n)
			return nil
		})
	},
}

// report prints a snapshot as JSON or as a stanza table.
func report(snap *job.Snapshot) error {
	if jobJSON {
		return printJSON(snap)
	}

	st, p := snap.Job, snap.Progress
	fmt.Printf("Thread:   %s (%s -> %s, %s", st.ThreadID, st.SourceLang, st.TargetLang, st.Method)
	if st.Method == translate.MethodRecipe {
		fmt.Printf("/%s", st.Mode)
	}
	fmt.Println(")")
	if snap.Created {
		fmt.Println("Created:  yes")
	}
	if snap.Busy {
		fmt.Println("Busy:     another tick is running; nothing was started")
	}
	if r := snap.TickResult; r != nil {
		fmt.Printf("Tick:     started %v, completed %v, partial %v, failed %v, requeued %v (%s)\n",
			r.Started, r.Completed, r.Partial, r.Failed, r.Requeued, r.Elapsed.Round(time.Millisecond))
	}
	fmt.Printf("Progress: %d/%d stanzas done, %d/%d lines translated, %d failed\n",
		p.Completed+p.Partial+p.Failed, p.Total, p.LinesDone, p.LinesTotal, p.LinesFailed)
	fmt.Printf("Queue:    %v\n", st.Queue)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STANZA\tSTATUS\tDONE\tFAILED\tPENDING")
	for _, sz := range st.Stanzas {
		done, failed, pending := sz.Counts()
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\n", sz.Index, st.Status[sz.Index], done, failed, pending)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if jobVerbose {
		for _, sz := range st.Stanzas {
			for _, l := range sz.Lines {
				fmt.Printf("\n[%d:%d] %s\n", sz.Index, l.Index, l.Text)
				if l.Error != "" {
					fmt.Printf("    ! %s: %s\n", l.ErrorKind, l.Error)
				}
				for _, v := range l.Variants {
					fmt.Printf("    %s: %s\n", v.Label, v.Text)
				}
			}
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(jobCmd)

	jobCmd.PersistentFlags().BoolVar(&jobJSON, "json", false, "Print the full snapshot as JSON")
	jobCmd.PersistentFlags().BoolVarP(&jobVerbose, "verbose", "v", false, "Print every line with its variants")

	jobInitCmd.Flags().BoolVar(&jobTick, "tick", false, "Run the first tick right away")
	jobInitCmd.Flags().StringVar(&jobMethod, "method", "", "Translation method: variants or recipe")
	jobInitCmd.Flags().StringVar(&jobMode, "mode", "", "Recipe mode: focused, balanced or adventurous")
	jobInitCmd.Flags().StringVar(&jobModel, "model", "", "LLM model override")
	jobInitCmd.Flags().IntVar(&jobMaxConcurrent, "max-concurrent", 0, "Stanzas in flight at once (0 uses the configured default)")
	jobInitCmd.Flags().IntVar(&jobMaxPerTick, "max-per-tick", 0, "Stanzas started per tick (0 uses the configured default)")

	jobRequeueCmd.Flags().BoolVar(&jobNow, "now", false, "Run a tick right after requeueing")

	jobCmd.AddCommand(jobInitCmd)
	jobCmd.AddCommand(jobAdvanceCmd)
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobRequeueCmd)
	jobCmd.AddCommand(jobTickAllCmd)
}
