package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hcptensor/hcptensor/internal/batch"
	"github.com/hcptensor/hcptensor/internal/ingest"
	"github.com/hcptensor/hcptensor/internal/merge"
	"github.com/hcptensor/hcptensor/pkg/bytesize"
)

// JSONOutput represents the JSON output format
type JSONOutput struct {
	RunID   string `json:"run_id"`
	Command string `json:"command"`
	BaseDir string `json:"base_dir"`

	// Timing
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  string    `json:"duration"`

	Fetch *ingest.Report `json:"fetch,omitempty"`
	Batch *batch.Summary `json:"batch,omitempty"`
	Merge *merge.Summary `json:"merge,omitempty"`

	// Errors
	Errors []string `json:"errors,omitempty"`
}

func newSummary(command string, start time.Time) *JSONOutput {
	return &JSONOutput{
		RunID:     runID,
		Command:   command,
		BaseDir:   cfg.BaseDir,
		StartTime: start,
	}
}

// finish prints the summary, writes the JSON file when requested and
// returns runErr.
func finish(out *JSONOutput, runErr error) error {
	out.EndTime = time.Now()
	out.Duration = out.EndTime.Sub(out.StartTime).Round(time.Millisecond).String()
	if runErr != nil {
		out.Errors = append(out.Errors, runErr.Error())
	}

	printResults(out)

	if jsonOutput != "" {
		if err := writeJSONOutput(jsonOutput, out); err != nil {
			log.Error().Err(err).Str("path", jsonOutput).Msg("Failed to write JSON output")
		} else {
			log.Info().Str("path", jsonOutput).Msg("Results written to JSON file")
		}
	}
	return runErr
}

func printResults(out *JSONOutput) {
	fmt.Println()
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("hcptensor %s  (%s)\n", out.Command, out.Duration)
	fmt.Println(strings.Repeat("=", 60))

	if r := out.Fetch; r != nil {
		fmt.Println("\nFetch:")
		fmt.Printf("  Subjects:         %d\n", r.Total)
		fmt.Printf("  Downloaded:       %d\n", r.Downloaded)
		fmt.Printf("  Already present:  %d\n", r.Existing)
		fmt.Printf("  Missing:          %d\n", r.Missing)
		fmt.Printf("  Errored:          %d\n", r.Errored)
		if r.Planned > 0 {
			fmt.Printf("  Planned:          %d\n", r.Planned)
		}
		fmt.Printf("  Reduced:          %d\n", r.Reduced)
		fmt.Printf("  Transferred:      %s\n", bytesize.Format(r.BytesTransferred))
		fmt.Printf("  Bytes added:      %s\n", bytesize.Format(r.EndBytes-r.StartBytes))
		fmt.Printf("  Throughput:       %s\n", bytesize.FormatRate(r.Throughput))
		printFailures(len(r.Failures), func(i int) (string, string) {
			return r.Failures[i].Subject, r.Failures[i].Reason
		})
	}

	if b := out.Batch; b != nil {
		fmt.Println("\nExtract:")
		fmt.Printf("  Subjects:         %d\n", b.Subjects)
		fmt.Printf("  Valid:            %d\n", b.Valid)
		fmt.Printf("  Invalid:          %d\n", b.Invalid)
		fmt.Printf("  Missing:          %d\n", b.Missing)
		fmt.Printf("  Failed:           %d\n", b.Failed)
		fmt.Printf("  Batches written:  %d %v\n", len(b.Batches), b.Batches)
		printFailures(len(b.Failures), func(i int) (string, string) {
			return b.Failures[i].Subject, b.Failures[i].Verdict + ": " + b.Failures[i].Reason
		})
	}

	if m := out.Merge; m != nil {
		fmt.Println("\nMerge:")
		for _, res := range m.Outputs {
			fmt.Printf("  %-9s %d batches merged -> %v %s\n", res.Kind, len(res.Batches), res.Shape, res.Path)
		}
		if m.Index != "" {
			fmt.Printf("  Index:            %d subjects in %s\n", m.Subjects, m.Index)
		}
	}

	if len(out.Errors) > 0 {
		fmt.Println("\nErrors:")
		for _, e := range out.Errors {
			fmt.Printf("  %s\n", e)
		}
	}
	fmt.Println()
}

func printFailures(n int, at func(i int) (subject, reason string)) {
	if n == 0 {
		return
	}
	fmt.Println("  First failures:")
	for i := 0; i < n; i++ {
		subject, reason := at(i)
		fmt.Printf("    %s  %s\n", subject, reason)
	}
}

// writeJSONOutput writes the run summary to a JSON file.
func writeJSONOutput(filename string, out *JSONOutput) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
