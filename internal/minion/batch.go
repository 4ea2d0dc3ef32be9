// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package minion

// Command templates and the deploy/execute submission path (spec §4.2).
// Every batch script is produced from the fixed templates named in the
// spec; submission is piped to qsub through the login-shell prefix so
// that module/environment setup done in .bash_profile is honoured, and
// the captured stdout of qsub is the batch job id.

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/errkind"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

const loginShellPrefix = ". /etc/profile; . ~/.bash_profile; "

const compileTemplate = `#!/bin/sh
cd %s
echo -n "compiling" > EXPERIMENT_STATUS
./%s &> COMPILATION_LOG
R=$?
if [ $R -eq 0 ]; then echo -n "compiled"        > EXPERIMENT_STATUS
else                  echo -n "failed_compilation" > EXPERIMENT_STATUS ; fi
echo -n $R > COMPILATION_EXIT_CODE
`

const executeTemplate = `#!/bin/sh
cd %s
echo -n "executing" > EXPERIMENT_STATUS
./%s &> EXECUTION_LOG
R=$?
if [ $R -eq 0 ]; then echo -n "done"             > EXPERIMENT_STATUS
else                  echo -n "failed_execution" > EXPERIMENT_STATUS ; fi
echo -n $R > EXECUTION_EXIT_CODE
`

func renderCompileScript(workdir, creationScript string) string {
	return fmt.Sprintf(compileTemplate, workdir, creationScript)
}

func renderExecuteScript(workdir, executionScript string) string {
	return fmt.Sprintf(executeTemplate, workdir, executionScript)
}

// submitJob pipes script to qsub on the master instance and returns the
// captured job id.
func (m *Minion) submitJob(tag, workdir string, nodes, cpus, ramMB int) func(body string) (jobID string, err kv.Error) {
	return func(body string) (jobID string, err kv.Error) {
		qsub := fmt.Sprintf("qsub -N %s -l select=%d:ncpus=%d:mem=%dMB -o %s -e %s",
			shellQuote(tag), nodes, cpus, ramMB, shellQuote(workdir), shellQuote(workdir))

		cmd := loginShellPrefix + "cat <<'SCIFE_JOB_SCRIPT' | " + qsub + "\n" + body + "\nSCIFE_JOB_SCRIPT\n"

		stdout, stderr, err := m.transport.Run(cmd)
		if err != nil {
			return "", err
		}
		id := strings.TrimSpace(string(stdout))
		if id == "" {
			return "", kv.NewError("qsub produced no job id").With("kind", errkind.RemoteTool).
				With("stderr", string(stderr)).With("stack", stack.Trace().TrimRuntime())
		}
		jobsSubmitted.WithLabelValues(m.cfg.Name, tag).Inc()
		return id, nil
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// DeployExperiment clones branch onto the instance's workdir and submits
// the compile job. A second deploy on the same instance fails with
// state-violation and never touches EXPERIMENT_STATUS (spec §8 scenario 4).
func (m *Minion) DeployExperiment(ctx context.Context, instanceID, repoURL, branch, workdir, creationScript string, size types.Size) (err kv.Error) {
	if err := m.checkNotDraining(); err != nil {
		return err
	}

	unlock, err := m.locks.acquire(instanceID)
	if err != nil {
		return err
	}
	defer unlock()

	inst, err := m.getInstanceLocked(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Deployed {
		return kv.NewError("experiment already deployed on this instance").With("kind", errkind.StateViolation).
			With("instance", instanceID).With("stack", stack.Trace().TrimRuntime())
	}

	cloneCmd := fmt.Sprintf("mkdir -p %s && git clone --branch %s %s %s",
		shellQuote(workdir), shellQuote(branch), shellQuote(repoURL), shellQuote(workdir))
	if _, stderr, err := m.transport.Run(cloneCmd); err != nil {
		return err.With("stderr", string(stderr))
	}

	jobID, err := m.submitJob(fmt.Sprintf("scife-compile-%s", instanceID), workdir, 1, size.Cpus, size.RAM)(
		renderCompileScript(workdir, creationScript))
	if err != nil {
		return err
	}

	inst.Deployed = true
	inst.JobID = jobID
	return m.store.Instances.Update(ctx, docstore.Filter{"id": instanceID}, inst)
}

// ExecuteExperiment submits the run job across every instance of system,
// from its master. It fails with state-violation if the master has not
// been successfully deployed first.
func (m *Minion) ExecuteExperiment(ctx context.Context, system types.System, workdir, executionScript string, size types.Size) (err kv.Error) {
	unlock, err := m.locks.acquire(system.Master)
	if err != nil {
		return err
	}
	defer unlock()

	inst, err := m.getInstanceLocked(ctx, system.Master)
	if err != nil {
		return err
	}
	if !inst.Deployed {
		return kv.NewError("execute attempted before a successful deploy").With("kind", errkind.StateViolation).
			With("instance", system.Master).With("stack", stack.Trace().TrimRuntime())
	}
	if inst.Executed {
		return kv.NewError("experiment already executing on this instance").With("kind", errkind.StateViolation).
			With("instance", system.Master).With("stack", stack.Trace().TrimRuntime())
	}

	jobID, err := m.submitJob(fmt.Sprintf("scife-exec-%s", system.Master), workdir, len(system.Instances), size.Cpus, size.RAM)(
		renderExecuteScript(workdir, executionScript))
	if err != nil {
		return err
	}

	inst.Executed = true
	inst.JobID = jobID
	return m.store.Instances.Update(ctx, docstore.Filter{"id": system.Master}, inst)
}

// ExecuteCommand runs an arbitrary command on instanceID under its lock.
func (m *Minion) ExecuteCommand(ctx context.Context, instanceID, cmd string) (stdout, stderr []byte, err kv.Error) {
	unlock, err := m.locks.acquire(instanceID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	return m.transport.Run(cmd)
}

// ExecuteScript uploads and runs a shell script body on instanceID under its lock.
func (m *Minion) ExecuteScript(ctx context.Context, instanceID, body string) (stdout, stderr []byte, err kv.Error) {
	unlock, err := m.locks.acquire(instanceID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	cmd := "/bin/sh -s <<'SCIFE_SCRIPT'\n" + body + "\nSCIFE_SCRIPT\n"
	return m.transport.Run(cmd)
}

func (m *Minion) getInstanceLocked(ctx context.Context, instanceID string) (inst *types.Instance, err kv.Error) {
	inst = &types.Instance{}
	if err := m.store.Instances.FindOne(ctx, docstore.Filter{"id": instanceID}, inst); err != nil {
		return nil, err
	}
	return inst, nil
}
