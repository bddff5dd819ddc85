package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/pkg/api"
	"github.com/jingkaihe/stubnet/pkg/intercept"
	"github.com/jingkaihe/stubnet/pkg/rulefile"
)

var checkCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a rule file and list its rules",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

// exitInvalidRules is the exit code for a rule file that fails validation,
// distinct from 1 for usage and I/O failures.
const exitInvalidRules = 2

func runCheck(cmd *cobra.Command, args []string) error {
	file, err := rulefile.Load(args[0])
	if err != nil {
		return invalidRules(cmd, err)
	}
	// Registering into a scratch registry catches bad patterns and
	// duplicate labels exactly as serve would.
	handles, err := rulefile.Apply(intercept.NewRegistry(), file)
	if err != nil {
		return invalidRules(cmd, err)
	}
	printRules(cmd.OutOrStdout(), file.Rules, handles)
	return nil
}

func invalidRules(cmd *cobra.Command, err error) error {
	if errors.Is(err, rulefile.ErrReadFile) {
		return errx.Wrap(ErrCheckRules, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", ErrCheckRules, err)
	return &exitCodeError{code: exitInvalidRules}
}

func printRules(out io.Writer, rules []api.RuleConfig, handles []*intercept.Handle) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tMETHOD\tURL\tRESPONSE\tDELAY")
	for i, rule := range rules {
		method := rule.Method
		if method == "" {
			method = "*"
		}
		delay := "-"
		if rule.Response.DelayMS > 0 {
			delay = fmt.Sprintf("%dms", rule.Response.DelayMS)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", handles[i].Label(), method, rule.URL, describeResponse(rule.Response), delay)
	}
	w.Flush()
}

func describeResponse(r api.ResponseConfig) string {
	status := r.StatusCode
	if status == 0 {
		status = 200
	}
	switch {
	case r.ForceNetworkError:
		return "network-error"
	case r.IsDynamic():
		return fmt.Sprintf("%d dynamic", status)
	default:
		return fmt.Sprintf("%d", status)
	}
}
