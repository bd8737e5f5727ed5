package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aman-churiwal/event-gate/internal/client"
	"github.com/aman-churiwal/event-gate/internal/models"
)

var sendOpts struct {
	file         string
	batchSize    int
	maxAttempts  int
	maxElapsed   time.Duration
	initialDelay time.Duration
	maxDelay     time.Duration
	rate         float64
	burst        int
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send events from a JSON file or stdin",
	Long: `Send reads either {"events":[...]} or a bare JSON array of events and sends them in
batches. Each batch is retried until admitted or until the retry budget runs out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if sendOpts.file != "" && sendOpts.file != "-" {
			f, err := os.Open(sendOpts.file)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		events, err := readEvents(in)
		if err != nil {
			return err
		}

		policy := client.DefaultPolicy()
		policy.MaxAttempts = sendOpts.maxAttempts
		policy.MaxElapsed = sendOpts.maxElapsed
		policy.InitialDelay = sendOpts.initialDelay
		policy.MaxDelay = sendOpts.maxDelay

		c, err := client.New(gateURL,
			client.WithPolicy(policy),
			client.WithRateLimit(sendOpts.rate, sendOpts.burst),
			client.WithLogger(logger),
		)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		sent := 0
		for _, batch := range chunk(events, sendOpts.batchSize) {
			res, err := c.Send(cmd.Context(), deployment, batch)
			if err != nil {
				fmt.Fprintf(out, "batch of %d: %s after %d attempt(s)\n", len(batch), res.State, len(res.Attempts))
				return fmt.Errorf("sent %d of %d events: %w", sent, len(events), err)
			}
			sent += res.Accepted
		}

		fmt.Fprintf(out, "sent %d events to deployment %s\n", sent, deployment)
		return nil
	},
}

func readEvents(r io.Reader) ([]models.Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no events in input")
	}

	var events []models.Event
	if data[0] == '[' {
		err = json.Unmarshal(data, &events)
	} else {
		var batch models.EventBatch
		err = json.Unmarshal(data, &batch)
		events = batch.Events
	}
	if err != nil {
		return nil, fmt.Errorf("invalid events: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no events in input")
	}

	return events, nil
}

func chunk(events []models.Event, size int) [][]models.Event {
	if size <= 0 {
		size = len(events)
	}

	var out [][]models.Event
	for len(events) > 0 {
		n := min(size, len(events))
		out = append(out, events[:n])
		events = events[n:]
	}
	return out
}

func init() {
	defaults := client.DefaultPolicy()

	sendCmd.Flags().StringVarP(&sendOpts.file, "file", "f", "-", "JSON file to read, - for stdin")
	sendCmd.Flags().IntVar(&sendOpts.batchSize, "batch-size", 1000, "events per request")
	sendCmd.Flags().IntVar(&sendOpts.maxAttempts, "max-attempts", defaults.MaxAttempts, "attempts per batch including the first")
	sendCmd.Flags().DurationVar(&sendOpts.maxElapsed, "max-elapsed", defaults.MaxElapsed, "give up on a batch after this long")
	sendCmd.Flags().DurationVar(&sendOpts.initialDelay, "initial-delay", defaults.InitialDelay, "first backoff delay")
	sendCmd.Flags().DurationVar(&sendOpts.maxDelay, "max-delay", defaults.MaxDelay, "backoff delay cap")
	sendCmd.Flags().Float64Var(&sendOpts.rate, "rate", 0, "client-side pacing in events per second, 0 disables")
	sendCmd.Flags().IntVar(&sendOpts.burst, "burst", 1000, "pacing burst in events")

	rootCmd.AddCommand(sendCmd)
}
