package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nevindra/atelier"
	"github.com/nevindra/atelier/internal/config"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		inputs     []string
		inputsFile string
		stepMode   bool
		quiet      bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Execute one workflow and stream its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg := config.Load(configPath)

			in, err := parseInputs(inputs, inputsFile)
			if err != nil {
				return &exitError{code: exitUsage, msg: err.Error()}
			}

			eng, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			job, err := eng.manager.Submit(atelier.SubmitRequest{
				WorkflowID: args[0],
				Inputs:     in,
				StepMode:   stepMode,
			})
			if err != nil {
				switch {
				case errors.Is(err, atelier.ErrTemplateNotFound):
					return &exitError{code: exitTemplateMissing, msg: err.Error()}
				case atelier.KindOf(err) == atelier.KindInvalidInputs:
					return &exitError{code: exitInvalidInputs, msg: err.Error()}
				}
				return err
			}

			session := eng.stream.Attach(job.ID)
			defer session.Close()
			enc := json.NewEncoder(os.Stdout)
			for ev := range session.Events() {
				if !quiet {
					enc.Encode(ev)
				}
			}

			final, err := eng.manager.Get(job.ID)
			if err != nil {
				return err
			}
			switch final.Status {
			case atelier.StatusCompleted:
				return nil
			case atelier.StatusCancelled:
				return &exitError{code: exitCancelled, msg: "job cancelled"}
			default:
				return &exitError{code: exitJobFailed, msg: fmt.Sprintf("job %s: %s", final.Status, final.Error)}
			}
		},
	}
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "entry input as key=value (repeatable; value parsed as JSON when possible)")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "JSON file with the entry inputs object")
	cmd.Flags().BoolVar(&stepMode, "step", false, "start latched; each step needs an explicit step command")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress event output")
	return cmd
}

// parseInputs merges --inputs-file with --input overrides. Values that
// parse as JSON keep their type; everything else is a string.
func parseInputs(pairs []string, file string) (map[string]any, error) {
	out := make(map[string]any)
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read inputs file: %v", err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("parse inputs file: %v", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --input %q, want key=value", p)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			out[k] = parsed
		} else {
			out[k] = v
		}
	}
	return out, nil
}
