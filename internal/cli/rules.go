package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crowsnest-security/crowsnest/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Detection rule management",
}

var rulesLintCmd = &cobra.Command{
	Use:   "lint <file>",
	Short: "Validate a rule file",
	Long:  "Parse and compile a YAML rule file, reporting every broken rule.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ruleSet, err := rules.ParseFile(args[0])
		if err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		broken := 0
		for _, r := range ruleSet {
			if err := rules.CheckRule(r); err != nil {
				broken++
				fmt.Printf("  %s: %v\n", r.ID, err)
			}
		}

		if broken > 0 {
			return fmt.Errorf("%d of %d rule(s) failed validation", broken, len(ruleSet))
		}
		fmt.Printf("%d rule(s) OK\n", len(ruleSet))
		return nil
	},
}

var rulesShowBuiltinCmd = &cobra.Command{
	Use:   "builtin",
	Short: "List the built-in rule set",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, r := range rules.Builtin() {
			fmt.Printf("%-24s %-8s %d condition(s)\n", r.ID, r.Severity, len(r.Conditions))
		}
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesLintCmd)
	rulesCmd.AddCommand(rulesShowBuiltinCmd)
	rootCmd.AddCommand(rulesCmd)
}
