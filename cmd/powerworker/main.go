// Command powerworker is the external collaborator that executes `job`
// transactions assigned to a wallet address and settles them back onto the
// chain: assigned → executed → settled, run here as a
// simple poll loop that shells out to a local command rather than a
// container.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"haloblock/core"
	"haloblock/pkg/walletfile"
)

type jobState string

const (
	stateAssigned   jobState = "assigned"
	stateExecuted   jobState = "executed"
	stateSettled    jobState = "settled"
)

func main() {
	var nodeURL, walletPath, passphrase, jobCommand string
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "powerworker",
		Short: "poll for an assigned job and settle it once executed",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, addr, err := walletfile.Load(walletPath, passphrase)
			if err != nil {
				return fmt.Errorf("load wallet: %w", err)
			}
			w := &worker{
				nodeURL:    nodeURL,
				addr:       addr,
				jobCommand: jobCommand,
				hc:         &http.Client{Timeout: 10 * time.Second},
			}

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() { <-sigCh; cancel() }()

			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()
			for {
				if err := w.tick(); err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().StringVar(&nodeURL, "node", "http://127.0.0.1:8080", "node HTTP query surface base URL")
	cmd.Flags().StringVar(&walletPath, "wallet", "wallet.json", "wallet file path")
	cmd.Flags().StringVar(&passphrase, "wallet-passphrase", "", "wallet passphrase")
	cmd.Flags().StringVar(&jobCommand, "job-command", "", "shell command executed with the job message as its argument")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second, "how often to check for an assigned job")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// worker tracks at most one in-flight job at a time, mirroring power.py's
// single-worker assumption.
type worker struct {
	nodeURL    string
	addr       core.Address
	jobCommand string
	hc         *http.Client

	currentJob string
	state      jobState
}

type accountResponse struct {
	AssignedJob string `json:"assigned_job"`
}

func (w *worker) tick() error {
	resp, err := w.hc.Get(w.nodeURL + "/account?address=" + w.addr.String())
	if err != nil {
		return fmt.Errorf("query account: %w", err)
	}
	defer resp.Body.Close()
	var acct accountResponse
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		return fmt.Errorf("decode account: %w", err)
	}

	if acct.AssignedJob == "" {
		return nil
	}
	if acct.AssignedJob != w.currentJob {
		w.currentJob = acct.AssignedJob
		w.state = stateAssigned
	}

	switch w.state {
	case stateAssigned:
		if err := w.execute(); err != nil {
			return fmt.Errorf("execute job %s: %w", w.currentJob, err)
		}
		w.state = stateExecuted
	case stateExecuted:
		if err := w.settle(); err != nil {
			return fmt.Errorf("settle job %s: %w", w.currentJob, err)
		}
		w.state = stateSettled
	}
	return nil
}

func (w *worker) execute() error {
	if w.jobCommand == "" {
		return nil
	}
	parts := strings.Fields(w.jobCommand)
	parts = append(parts, w.currentJob)
	c := exec.Command(parts[0], parts[1:]...)
	out, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, out)
	}
	return nil
}

func (w *worker) settle() error {
	body, err := json.Marshal(map[string]interface{}{
		"amount":  0,
		"to":      w.addr.String(),
		"message": "job-complete:" + w.currentJob,
		"wallet":  w.addr.String(),
	})
	if err != nil {
		return err
	}
	resp, err := w.hc.Post(w.nodeURL+"/send", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("node rejected settlement: status %d", resp.StatusCode)
	}
	return nil
}
