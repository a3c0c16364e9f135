package cli

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vividflow/vividflow-api/internal/server"
)

type submitFlags struct {
	model          string
	prompt         string
	negativePrompt string
	imageURL       string
	imageFile      string
	params         map[string]string
	follow         bool
	interval       time.Duration
}

func newSubmitCommand(a *app) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an image-to-video job",
		Long: `Submit a job that animates a source image. The image is either a URL
(--image-url) or a local file (--image-file) sent inline.

Provider options are passed with --param, for example:
  vividctl submit --model wan2.1 --prompt "waves rolling in" \
    --image-file beach.png --param steps=30 --param seed=7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.follow && f.interval <= 0 {
				return errors.New("--interval must be positive")
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			req, err := f.request()
			if err != nil {
				return err
			}

			resp, err := c.Generate(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !f.follow {
				if a.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), resp)
				}
				return renderSubmission(cmd.OutOrStdout(), resp)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "submitted %s (queue position %d)\n", resp.JobID, resp.QueuePosition)
			final, err := c.Wait(cmd.Context(), resp.JobID, f.interval, func(j *server.JobResponse) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s  %s\n", time.Now().Format(time.TimeOnly), j.Status)
			})
			if err != nil {
				return err
			}
			return printJob(a, cmd, final)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.model, "model", "", "provider model, e.g. wan2.1 or veo3.1 (required)")
	fl.StringVar(&f.prompt, "prompt", "", "motion prompt (required)")
	fl.StringVar(&f.negativePrompt, "negative-prompt", "", "what the video should avoid")
	fl.StringVar(&f.imageURL, "image-url", "", "http(s) URL of the source image")
	fl.StringVar(&f.imageFile, "image-file", "", "local source image, sent inline")
	fl.StringToStringVar(&f.params, "param", nil, "provider option as key=value (repeatable)")
	fl.BoolVar(&f.follow, "follow", false, "wait for the job to finish and print the result")
	fl.DurationVar(&f.interval, "interval", 5*time.Second, "polling interval with --follow")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("prompt")
	cmd.MarkFlagsMutuallyExclusive("image-url", "image-file")
	cmd.MarkFlagsOneRequired("image-url", "image-file")
	return cmd
}

func (f *submitFlags) request() (server.GenerateRequest, error) {
	req := server.GenerateRequest{
		Model:          f.model,
		Prompt:         f.prompt,
		NegativePrompt: f.negativePrompt,
		ImageURL:       f.imageURL,
	}
	if f.imageFile != "" {
		data, err := os.ReadFile(f.imageFile)
		if err != nil {
			return req, fmt.Errorf("read image: %w", err)
		}
		req.ImageBase64 = base64.StdEncoding.EncodeToString(data)
	}
	if len(f.params) > 0 {
		req.Parameters = make(map[string]any, len(f.params))
		for k, v := range f.params {
			req.Parameters[k] = v
		}
	}
	return req, nil
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			j, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(a, cmd, j)
		},
	}
}

func newCancelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job",
		Long:  `Cancel a job that has not started. Jobs already processing cannot be cancelled.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			j, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(a, cmd, j)
		},
	}
}

func newHistoryCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List your recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			h, err := c.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), h)
			}
			return renderHistory(cmd.OutOrStdout(), h)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs (server default when 0)")
	return cmd
}

func newUsageCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show your job counts and remaining daily quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			u, err := c.Usage(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), u)
			}
			return renderUsage(cmd.OutOrStdout(), u)
		},
	}
}

func newModelsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the server accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			models, err := c.Models(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), server.ModelsResponse{Models: models})
			}
			for _, m := range models {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func newCheckPromptCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check-prompt <prompt>",
		Short: "Check a prompt against content policy before submitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			advice, err := c.CheckPrompt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), advice)
			}
			return renderAdvice(cmd.OutOrStdout(), advice)
		},
	}
}

func printJob(a *app, cmd *cobra.Command, j *server.JobResponse) error {
	if a.jsonOutput() {
		return writeJSON(cmd.OutOrStdout(), j)
	}
	return renderJob(cmd.OutOrStdout(), j)
}
