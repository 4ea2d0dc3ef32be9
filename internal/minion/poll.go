// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package minion

// Polling and cleanup (spec §4.2). pollExperiment and cleanExperiment
// mutate or read cluster-side state for one instance and so run under
// its lock; getJobStatus and cleanJob key off a batch job id instead and
// are not instance-scoped.

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jjeffery/kv" // MIT License

	"github.com/raulmorenogaldon/scife-go/internal/errkind"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

// PollExperiment reads <workdir>/EXPERIMENT_STATUS on instanceID. An
// empty read is normalised to "unknown" (spec §8 scenario 3).
func (m *Minion) PollExperiment(ctx context.Context, instanceID, workdir string) (status types.ExecStatus, err kv.Error) {
	unlock, err := m.locks.acquire(instanceID)
	if err != nil {
		return "", err
	}
	defer unlock()

	stdout, _, err := m.transport.Run(fmt.Sprintf("cat %s/EXPERIMENT_STATUS 2>/dev/null", shellQuote(workdir)))
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(string(stdout))
	if text == "" {
		return types.StatusUnknown, nil
	}
	return types.ExecStatus(text), nil
}

// GetJobStatus runs qstat <jobID>; "finished" iff its stderr contains
// "Unknown" (spec §8 boundary), "running" otherwise.
func (m *Minion) GetJobStatus(ctx context.Context, jobID string) (status string, err kv.Error) {
	_, stderr, err := m.transport.Run(fmt.Sprintf("qstat %s", shellQuote(jobID)))
	// qstat exits non-zero once the job is gone from the queue; that is
	// expected and not itself a failure here, so only a transport-kind
	// error (not remote-tool) is fatal to this call.
	if err != nil && errkind.Of(err) != errkind.RemoteTool {
		return "", err
	}
	if strings.Contains(string(stderr), "Unknown") {
		return "finished", nil
	}
	return "running", nil
}

// cleanJob issues qdel -W force <jobID> and retries until its stderr is
// non-empty, which in PBS signals the job is no longer known (spec §8
// scenario 5).
func (m *Minion) cleanJob(ctx context.Context, jobID string) (err kv.Error) {
	for {
		_, stderr, runErr := m.transport.Run(fmt.Sprintf("qdel -W force %s", shellQuote(jobID)))
		if runErr != nil && errkind.Of(runErr) != errkind.RemoteTool {
			return runErr
		}
		if len(strings.TrimSpace(string(stderr))) > 0 {
			jobsCleaned.WithLabelValues(m.cfg.Name).Inc()
			return nil
		}
		select {
		case <-ctx.Done():
			return kv.NewError("timeout waiting for qdel to take effect").With("kind", "timeout").With("job", jobID)
		case <-time.After(time.Second):
		}
	}
}

// CleanJob is the exported, instance-lock-free wrapper around cleanJob
// (job ids are not instance-scoped, per spec §4.2's exposed operations).
func (m *Minion) CleanJob(ctx context.Context, jobID string) (err kv.Error) {
	return m.cleanJob(ctx, jobID)
}

// CleanExperiment removes the working directory tree with rm -rf on instanceID.
func (m *Minion) CleanExperiment(ctx context.Context, instanceID, workdir string) (err kv.Error) {
	unlock, err := m.locks.acquire(instanceID)
	if err != nil {
		return err
	}
	defer unlock()

	_, _, err = m.transport.Run(fmt.Sprintf("rm -rf %s", shellQuote(workdir)))
	return err
}
