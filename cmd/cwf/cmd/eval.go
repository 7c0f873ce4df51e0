package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mkatanski/claude-workflow-sub002/internal/expr"
	"github.com/mkatanski/claude-workflow-sub002/internal/result"
)

var (
	evalVarsFile string
	evalVars     []string
	evalQuiet    bool
)

var evalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate a condition expression",
	Long: `Evaluate a condition such as "{status} == done and {count} < 3"
against variables from a YAML file and --var flags.

Prints true or false. With --quiet nothing is printed and a false result
exits non-zero.`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringVarP(&evalVarsFile, "vars", "f", "", "YAML file of variables")
	evalCmd.Flags().StringArrayVar(&evalVars, "var", nil, "variable (key=value), repeatable")
	evalCmd.Flags().BoolVarP(&evalQuiet, "quiet", "q", false, "report the result through the exit status only")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	vars, err := evalVariables()
	if err != nil {
		return err
	}

	ok, err := expr.Evaluate(args[0], vars)
	if err != nil {
		return err
	}
	if evalQuiet {
		if !ok {
			return fmt.Errorf("condition is false")
		}
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), ok)
	return nil
}

func evalVariables() (expr.MapVars, error) {
	vars := expr.MapVars{}
	if evalVarsFile != "" {
		loaded, err := result.ReadYAML[map[string]any](evalVarsFile).Get()
		if err != nil {
			return nil, err
		}
		for k, v := range loaded {
			vars[k] = v
		}
	}
	for _, v := range evalVars {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q (want key=value)", v)
		}
		vars[key] = value
	}
	return vars, nil
}
