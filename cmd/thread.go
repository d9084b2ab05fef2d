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
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/valpere/poetran/internal"
	"github.com/valpere/poetran/internal/detector"
	"github.com/valpere/poetran/internal/poem"
)

var (
	threadFile   string
	threadTitle  string
	threadSource string
	threadTarget string
	threadPrefs  map[string]string
	threadLimit  int
)

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Manage poem threads",
}

var threadCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a thread from a poem file",
	Long: `Create a thread from a poem file. Stanzas are separated by blank lines.

Use --source auto (the default) to detect the poem's language.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(threadFile)
		if err != nil {
			return fmt.Errorf("failed to read poem file: %w", err)
		}
		text := string(raw)
		if len(poem.Split(text)) == 0 {
			return fmt.Errorf("poem file %s has no lines", threadFile)
		}

		src := threadSource
		if src == "auto" {
			detected, ok := detector.New().DetectISO(text)
			if !ok {
				return fmt.Errorf("could not detect source language, pass --source")
			}
			src = detected
			fmt.Fprintf(os.Stderr, "Detected source language: %s\n", src)
		}
		for _, code := range []string{src, threadTarget} {
			if _, err := language.Parse(code); err != nil {
				return fmt.Errorf("invalid language %q: %w", code, err)
			}
		}

		db, err := openStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		t := &internal.Thread{
			Title:       threadTitle,
			Poem:        text,
			SourceLang:  src,
			TargetLang:  threadTarget,
			Preferences: threadPrefs,
		}
		if err := db.CreateThread(cmd.Context(), t); err != nil {
			return fmt.Errorf("failed to create thread: %w", err)
		}
		fmt.Println(t.ID)
		return nil
	},
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		threads, err := db.ListThreads(cmd.Context(), threadLimit)
		if err != nil {
			return fmt.Errorf("failed to list threads: %w", err)
		}
		if len(threads) == 0 {
			fmt.Println("No threads.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tTARGET\tLINES\tCREATED\tTITLE")
		for _, t := range threads {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				t.ID, t.SourceLang, t.TargetLang, poem.LineCount(poem.Split(t.Poem)),
				t.CreatedAt.Format("2006-01-02 15:04"), snippet(t.Title, 40))
		}
		return w.Flush()
	},
}

var threadShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print a thread as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		t, err := db.GetThread(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(t)
	},
}

func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}

func init() {
	rootCmd.AddCommand(threadCmd)

	threadCreateCmd.Flags().StringVarP(&threadFile, "file", "f", "", "Poem file (required)")
	threadCreateCmd.Flags().StringVarP(&threadTitle, "title", "t", "", "Thread title")
	threadCreateCmd.Flags().StringVarP(&threadSource, "source", "s", "auto", "Source language (ISO 639-1 or auto)")
	threadCreateCmd.Flags().StringVarP(&threadTarget, "target", "l", "en", "Target language")
	threadCreateCmd.Flags().StringToStringVar(&threadPrefs, "pref", nil, "Preference key=value, repeatable (e.g. --pref tone=somber)")
	_ = threadCreateCmd.MarkFlagRequired("file")

	threadListCmd.Flags().IntVar(&threadLimit, "limit", 20, "Maximum threads to list")

	threadCmd.AddCommand(threadCreateCmd)
	threadCmd.AddCommand(threadListCmd)
	threadCmd.AddCommand(threadShowCmd)
}
