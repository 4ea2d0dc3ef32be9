// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// cmd/scifectl is the thin CLI client that dials both services for
// single-operation calls, and drives the end-to-end workflow itself
// for the "run" subcommand by composing an internal/controller.Controller
// against a local Storage Core and Cluster Minion Core (spec §1, §6, §7).
// Flag/env handling follows cmd/runner/main.go's envflag.Parse pattern;
// exit codes are 0 on success, 2 on missing flags or an unparsable
// payload, 3 on a failed call.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/jjeffery/kv" // MIT License
	"github.com/karlmutch/envflag"

	"github.com/raulmorenogaldon/scife-go/internal/controller"
	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/minion"
	"github.com/raulmorenogaldon/scife-go/internal/rpc"
	"github.com/raulmorenogaldon/scife-go/internal/storage"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

var (
	storagedOpt = flag.String("storaged", "localhost:8237", "address of the Storage Core RPC service, used for single-op calls")
	minionOpt   = flag.String("minion", "localhost:8238", "address of the Cluster Minion Core RPC service, used for single-op calls")
	verboseOpt  = flag.Bool("verbose", false, "spew-dump the raw response envelope")

	// Flags consumed only by the "run" subcommand, which composes a
	// Controller in-process rather than dialing the RPC services.
	appPathOpt = flag.String("apppath", "./var/apps", "directory holding one working tree per application")
	inPathOpt  = flag.String("inputpath", "./var/inputs", "directory holding per-experiment input staging trees")
	outPathOpt = flag.String("outputpath", "./var/outputs", "directory holding per-experiment output staging trees")
	publicOpt  = flag.String("public-url", "localhost:8237", "host or host:port advertised in application/input/output URLs")
	mongoOpt   = flag.String("mongo-url", "", "MongoDB connection string; empty uses an in-memory document store")
	mongoDBOpt = flag.String("mongo-db", "scife", "MongoDB database name")
	nameOpt    = flag.String("name", "", "tag identifying the minion's cluster for the run subcommand")
	sshURLOpt  = flag.String("ssh-url", "", "SSH endpoint of the cluster front-end, e.g. cluster.example.org:22")
	sshUserOpt = flag.String("ssh-user", "", "SSH username")
	sshPassOpt = flag.String("ssh-password", "", "SSH password; leave empty to use the ssh-agent at SSH_AUTH_SOCK")
)

// runRequest is the payload shape for "scifectl run", covering every
// RunExecution parameter plus the application/experiment it runs against.
type runRequest struct {
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Src             string            `json:"src"`
	CreationScript  string            `json:"creationScript"`
	ExecutionScript string            `json:"executionScript"`
	ExperimentName  string            `json:"experimentName"`
	ExperimentDesc  string            `json:"experimentDescription"`
	Env             types.ExecEnv     `json:"env"`
	Labels          map[string]string `json:"labels"`
	Recursive       bool              `json:"recursive"`
	Workdir         string            `json:"workdir"`
	System          types.System      `json:"system"`
	Size            types.Size        `json:"size"`
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <op|run> <json-args>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	envflag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	op := args[0]
	payload := "{}"
	if len(args) > 1 {
		payload = args[1]
	}

	if op == "run" {
		runWorkflow(payload)
		return
	}

	target := *storagedOpt
	if len(op) >= 7 && op[:7] == "minion." {
		target = *minionOpt
	}

	resp, err := call(target, op, payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}

	if *verboseOpt {
		spew.Dump(resp)
	}
	if resp.Err != nil {
		fmt.Fprintln(os.Stderr, resp.Err.Error())
		os.Exit(3)
	}
	fmt.Println(string(resp.Payload))
}

func call(target, op, payload string) (resp rpc.Envelope, err kv.Error) {
	nc, errGo := net.Dial("tcp", target)
	if errGo != nil {
		return rpc.Envelope{}, kv.Wrap(errGo).With("target", target)
	}
	defer nc.Close()

	conn := rpc.NewConn(nc)
	if errSend := conn.Send(rpc.Envelope{Op: op, Payload: json.RawMessage(payload)}); errSend != nil {
		return rpc.Envelope{}, errSend
	}
	return conn.Recv()
}

// runWorkflow composes the Storage Core, one Cluster Minion Core, and an
// internal/controller.Controller in-process, then drives the full
// create-application -> create-experiment -> run-execution workflow
// (spec §2, §7) the way cmd/storaged and cmd/minion would if bundled into
// a single process.
func runWorkflow(payload string) {
	if *nameOpt == "" || *sshURLOpt == "" || *sshUserOpt == "" {
		fmt.Fprintln(os.Stderr, "run requires -name, -ssh-url and -ssh-user")
		os.Exit(2)
	}

	var req runRequest
	if errGo := json.Unmarshal([]byte(payload), &req); errGo != nil {
		fmt.Fprintln(os.Stderr, errGo.Error())
		os.Exit(2)
	}

	ctx := context.Background()

	store, closeStore, err := docstore.Open(ctx, *mongoOpt, *mongoDBOpt)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}
	defer closeStore(ctx)

	st, err := storage.New(storage.Config{
		AppStorage:    *appPathOpt,
		InputStorage:  *inPathOpt,
		OutputStorage: *outPathOpt,
		PublicURL:     *publicOpt,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}

	m := minion.New(minion.Config{
		Name:     *nameOpt,
		URL:      *sshURLOpt,
		Username: *sshUserOpt,
		Password: *sshPassOpt,
	}, store)
	if err := m.Login(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}
	defer m.Close()

	ctrl := controller.New(st, store, map[string]*minion.Minion{*nameOpt: m})
	if _, err := ctrl.Reconcile(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}

	app, err := ctrl.CreateApplication(ctx, req.Name, req.Description, req.Src, req.CreationScript, req.ExecutionScript)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}

	exp, err := ctrl.CreateExperiment(ctx, app.ID, req.ExperimentName, req.ExperimentDesc, req.Env, req.Labels)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}

	exec, err := ctrl.RunExecution(ctx, app.ID, exp.ID, *nameOpt, req.System, req.CreationScript, req.ExecutionScript, req.Workdir, req.Labels, req.Recursive, req.Size)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}

	if *verboseOpt {
		spew.Dump(exec)
	}
	body, _ := json.Marshal(exec)
	fmt.Println(string(body))
}
