package cmd

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/screenrec/internal/service"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute pipeline steps",
	Long: `Execute the specified pipeline steps in order. Use -p to specify which steps to run:
r records for --duration, p plays the last recording.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pipeline, _ := cmd.Flags().GetString("pipeline")
		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rp)")
		}
		if err := validatePipeline(pipeline); err != nil {
			return err
		}
		duration, _ := cmd.Flags().GetDuration("duration")
		if strings.ContainsRune(pipeline, 'r') && duration <= 0 {
			return fmt.Errorf("the record step needs --duration")
		}
		opts, err := startOptions(cmd)
		if err != nil {
			return err
		}

		svc, err := newService(nil, service.Options{})
		if err != nil {
			return err
		}
		defer svc.Close()

		fmt.Printf("Pipeline: executing %d step(s) '%s'...\n", len(pipeline), pipeline)
		if err := svc.RunPipeline(opts, strings.ToLower(pipeline), duration); err != nil {
			return err
		}
		if last := svc.GetStatus().LastOutput; last != "" {
			fmt.Printf("Pipeline: completed, last recording %s\n", last)
		}
		return nil
	},
}

func validatePipeline(pipeline string) error {
	validSteps := map[rune]bool{
		'r': true, // record
		'p': true, // play
	}

	for _, step := range strings.ToLower(pipeline) {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: r=record, p=play)", step)
		}
	}
	return nil
}

func init() {
	addStartFlags(runCmd)
	runCmd.Flags().StringP("pipeline", "p", "", "pipeline steps: r=record, p=play (e.g., 'rp')")
}
