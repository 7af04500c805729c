package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/deployguard/internal/classify"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/diagnosis"
	"github.com/nholik/deployguard/internal/orchestrator"
	"github.com/nholik/deployguard/internal/recovery"
	"github.com/spf13/cobra"
)

type classifyOptions struct {
	phase    string
	service  string
	provider string
}

type classifyOutput struct {
	Type         deploy.ErrorType `json:"type"`
	Severity     deploy.Severity  `json:"severity"`
	Source       classify.Source  `json:"source"`
	Pattern      string           `json:"pattern,omitempty"`
	CommonCauses []string         `json:"common_causes,omitempty"`
	Strategy     string           `json:"strategy"`
	Suggestions  []string         `json:"suggestions,omitempty"`
	Analysis     deploy.Analysis  `json:"analysis"`
}

func newClassifyCmd(root *rootOptions) *cobra.Command {
	opts := &classifyOptions{}
	cmd := &cobra.Command{
		Use:   "classify <message>",
		Short: "Classify a deployment error message and print the rule-based analysis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			phase, err := parsePhase(opts.phase)
			if err != nil {
				return err
			}

			derr, class := classify.BuildError(uuid.NewString(), time.Now().UTC(), classify.Failure{
				Phase:   phase,
				Service: opts.service,
				Message: strings.Join(args, " "),
			})
			costs := orchestrator.SettingsFromConfig(cfg).Costs
			analysis := diagnosis.NewRuleBased(costs).Diagnose(cmd.Context(), diagnosis.Input{
				Error:          derr,
				Classification: class,
				Provider:       opts.provider,
				Attempt:        1,
			})

			out := classifyOutput{
				Type:         class.Type,
				Severity:     class.Severity,
				Source:       class.Source,
				Pattern:      class.Pattern,
				CommonCauses: class.CommonCauses,
				Strategy:     string(recovery.SelectStrategy(class.Type, 1)),
				Suggestions:  diagnosis.Suggestions(class.Type),
				Analysis:     analysis,
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&opts.phase, "phase", string(deploy.PhaseDeploying), "phase the error occurred in")
	cmd.Flags().StringVar(&opts.service, "service", "", "remote service that reported the error")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "cloud provider, used for knowledge lookup")
	return cmd
}

func parsePhase(value string) (deploy.Phase, error) {
	phase := deploy.Phase(value)
	for _, p := range deploy.PipelinePhases {
		if p == phase {
			return phase, nil
		}
	}
	names := make([]string, 0, len(deploy.PipelinePhases))
	for _, p := range deploy.PipelinePhases {
		names = append(names, string(p))
	}
	return "", fmt.Errorf("unknown phase %q (want one of %s)", value, strings.Join(names, ", "))
}
