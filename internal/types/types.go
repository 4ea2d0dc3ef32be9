// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package types defines the document and wire structures shared by the
// Storage Core, the Cluster Minion Core, and the controller that
// composes them into experiment workflows.
package types

import "time"

// ExecStatus mirrors the status string written into EXPERIMENT_STATUS on
// the cluster and, best-effort, into the document store.
type ExecStatus string

const (
	StatusCreated            ExecStatus = "created"
	StatusPrepared           ExecStatus = "prepared"
	StatusDeployed           ExecStatus = "deployed"
	StatusCompiling          ExecStatus = "compiling"
	StatusCompiled           ExecStatus = "compiled"
	StatusFailedCompilation  ExecStatus = "failed_compilation"
	StatusRunning            ExecStatus = "running"
	StatusExecuting          ExecStatus = "executing"
	StatusDone               ExecStatus = "done"
	StatusFailedExecution    ExecStatus = "failed_execution"
	StatusUnknown            ExecStatus = "unknown"
)

// Application is a source tree plus creation and execution scripts,
// versioned as a content repository rooted at apppath/<ID>.
type Application struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	CreationScript  string    `json:"creationScript"`
	ExecutionScript string    `json:"executionScript"`
	Labels          []string  `json:"labels"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (a *Application) Clone() *Application {
	b := *a
	b.Labels = append([]string(nil), a.Labels...)
	return &b
}

// ExecEnv is the desired execution environment for an experiment.
type ExecEnv struct {
	Cpus     int    `json:"cpus"`
	Nodes    int    `json:"nodes"`
	InputPath string `json:"inputpath"`
	LibPath  string `json:"libpath"`
	TmpPath  string `json:"tmppath"`
}

// TotalCpus is Nodes*Cpus, the value substituted for the #TOTALCPUS system label.
func (e ExecEnv) TotalCpus() int { return e.Nodes * e.Cpus }

// Experiment is a named parameterisation of an application, stored as
// branch ExperimentID in the application's repository.
type Experiment struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	ApplicationID string            `json:"applicationId"`
	Env           ExecEnv           `json:"env"`
	Labels        map[string]string `json:"labels"`
	Status        ExecStatus        `json:"status"`
	ExecutionID   string            `json:"executionId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e *Experiment) Clone() *Experiment {
	b := *e
	b.Labels = make(map[string]string, len(e.Labels))
	for k, v := range e.Labels {
		b.Labels[k] = v
	}
	return &b
}

// Execution is a parameterised run of an experiment on a specific system,
// stored as branch ID (created from branch ExperimentID) in the
// application's repository.
type Execution struct {
	ID           string            `json:"id"`
	ExperimentID string            `json:"experimentId"`
	Labels       map[string]string `json:"labels"`
	JobID        string            `json:"jobId,omitempty"`
	Status       ExecStatus        `json:"status"`
	System       System            `json:"system"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (x *Execution) Clone() *Execution {
	b := x
	c := *b
	c.Labels = make(map[string]string, len(x.Labels))
	for k, v := range x.Labels {
		c.Labels[k] = v
	}
	c.System.Instances = append([]string(nil), x.System.Instances...)
	return &c
}

// System is the set of cluster instances designated for one execution.
// Master is the front-end node on which qsub is issued.
type System struct {
	Instances []string `json:"instances"`
	Master    string   `json:"master"`
}

// Image is a catalog entity describing a cluster workpath layout,
// uniquely keyed by (ID, Name, Minion).
type Image struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Minion    string `json:"minion"`
	WorkPath  string `json:"workpath"`
	InputPath string `json:"inputpath"`
	LibPath   string `json:"libpath"`
	TmpPath   string `json:"tmppath"`
}

// Size is a catalog entity describing an instance shape, uniquely keyed
// by (ID, Name, Minion).
type Size struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Minion string `json:"minion"`
	Cpus   int    `json:"cpus"`
	RAM    int    `json:"ram"`
}

// Instance is a reserved cluster node tracked by a minion.
type Instance struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Minion   string `json:"minion"`
	ImageID  string `json:"imageId"`
	SizeID   string `json:"sizeId"`
	Deployed bool   `json:"deployed"`
	Executed bool   `json:"executed"`
	JobID    string `json:"jobId,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (i *Instance) Clone() *Instance {
	b := *i
	return &b
}

// FolderEntry is one node of a getInputFolderTree/getOutputFolderTree/
// getExperimentSrcFolderTree result. ID is the path relative to the
// folder root, with a trailing "/" for directories. Label is the base
// name, useful for display.
type FolderEntry struct {
	Label    string        `json:"label"`
	ID       string        `json:"id"`
	Children []FolderEntry `json:"children,omitempty"`
}
