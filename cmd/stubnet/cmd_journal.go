package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/pkg/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List interceptions recorded by serve --journal",
	RunE:  runJournal,
}

func init() {
	journalCmd.Flags().String("db", "", "Journal database path")
	journalCmd.Flags().String("run-id", "", "Only show events from this run")
	journalCmd.Flags().String("label", "", "Only show events for this rule label")
	journalCmd.Flags().String("type", "", "Only show events of this type, e.g. request_intercepted")
	journalCmd.Flags().Int("limit", 100, "Maximum number of events")
	journalCmd.Flags().Bool("json", false, "Output as JSON")

	viper.BindPFlag("journal.db", journalCmd.Flags().Lookup("db"))
	viper.BindPFlag("journal.run-id", journalCmd.Flags().Lookup("run-id"))
	viper.BindPFlag("journal.label", journalCmd.Flags().Lookup("label"))
	viper.BindPFlag("journal.type", journalCmd.Flags().Lookup("type"))
	viper.BindPFlag("journal.limit", journalCmd.Flags().Lookup("limit"))
	viper.BindPFlag("journal.json", journalCmd.Flags().Lookup("json"))

	rootCmd.AddCommand(journalCmd)
}

func runJournal(cmd *cobra.Command, args []string) error {
	path := viper.GetString("journal.db")
	if path == "" {
		path = viper.GetString("serve.journal")
	}
	if path == "" {
		return ErrNoJournalPath
	}

	store, err := journal.Open(path)
	if err != nil {
		return errx.Wrap(ErrListJournal, err)
	}
	defer store.Close()

	entries, err := store.List(cmd.Context(), journal.Filter{
		RunID:     viper.GetString("journal.run-id"),
		Label:     viper.GetString("journal.label"),
		EventType: viper.GetString("journal.type"),
		Limit:     viper.GetInt("journal.limit"),
	})
	if err != nil {
		return errx.Wrap(ErrListJournal, err)
	}

	if viper.GetBool("journal.json") {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []journal.Entry{}
		}
		return enc.Encode(entries)
	}
	printEntries(cmd.OutOrStdout(), entries)
	return nil
}

func printEntries(out io.Writer, entries []journal.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tEVENT\tRULE\tSTATUS\tSUMMARY")
	for _, e := range entries {
		rule := e.Rule
		if rule == "" {
			rule = "-"
		}
		status := "-"
		switch {
		case e.NetworkError:
			status = "neterr"
		case e.StatusCode > 0:
			status = fmt.Sprintf("%d", e.StatusCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("15:04:05.000"), e.RunID, e.EventType, rule, status, e.Summary)
	}
	w.Flush()
}
