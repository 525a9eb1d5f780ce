package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nabilkh/go-job-queue/services/queued/handler"
)

// Client-side subcommands talking to a running queued server over its HTTP
// API. Useful for smoke tests and scripting without hand-writing curl calls.

var (
	clientServer string
	submitWait   bool
	submitPoll   time.Duration
	submitLimit  time.Duration
	statsRecent  bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [input-file]",
	Short: "Submit a job (JSON input from a file or stdin)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Print a job's current record",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue counts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	for _, cmd := range []*cobra.Command{submitCmd, statusCmd, statsCmd} {
		cmd.Flags().StringVar(&clientServer, "server", "http://localhost:8188", "queued server base URL")
	}
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "poll until the job reaches a terminal state")
	submitCmd.Flags().DurationVar(&submitPoll, "poll-interval", 2*time.Second, "poll interval with --wait")
	submitCmd.Flags().DurationVar(&submitLimit, "timeout", 10*time.Minute, "give up polling after this long")
	statsCmd.Flags().BoolVar(&statsRecent, "recent", false, "include the recent jobs listing")
}

func runSubmit(_ *cobra.Command, args []string) error {
	var (
		input []byte
		err   error
	)
	if len(args) == 1 {
		input, err = os.ReadFile(args[0])
	} else {
		input, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if !json.Valid(input) {
		return fmt.Errorf("input is not valid JSON")
	}

	body, err := json.Marshal(handler.SubmitJobRequest{Input: input})
	if err != nil {
		return err
	}
	resp, err := httpClient().Post(clientServer+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return serverError("submit", resp)
	}

	var submitted handler.SubmitJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Printf("submitted %s\n", submitted.JobID)

	if !submitWait {
		return nil
	}
	return waitForJob(submitted.JobID)
}

// waitForJob polls until the job is terminal, then prints the outcome.
// A failed job is reported as a command error so scripts can branch on the
// exit code.
func waitForJob(jobID string) error {
	deadline := time.Now().Add(submitLimit)
	for {
		job, err := fetchJob(jobID)
		if err != nil {
			return err
		}
		switch job.Status {
		case "completed":
			fmt.Println(string(job.Result))
			return nil
		case "failed":
			return fmt.Errorf("job %s failed: %s", jobID, job.Error)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("job %s still %s after %s", jobID, job.Status, submitLimit)
		}
		time.Sleep(submitPoll)
	}
}

func runStatus(_ *cobra.Command, args []string) error {
	job, err := fetchJob(args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runStats(_ *cobra.Command, _ []string) error {
	url := clientServer + "/api/v1/stats"
	if statsRecent {
		url += "?include_recent=true"
	}
	resp, err := httpClient().Get(url)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError("stats", resp)
	}

	var stats handler.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func fetchJob(jobID string) (*handler.JobResponse, error) {
	resp, err := httpClient().Get(clientServer + "/api/v1/jobs/" + jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, serverError("get job", resp)
	}

	var job handler.JobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &job, nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func serverError(op string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s (%s)", op, body.Error, resp.Status)
	}
	return fmt.Errorf("%s: unexpected status %s", op, resp.Status)
}
