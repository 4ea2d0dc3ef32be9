// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// cmd/minion hosts the Cluster Minion Core RPC service on :8238 (spec
// §1, §6): one process per cluster front-end, holding the single SSH
// session and per-instance locks that enforce at-most-one in-flight
// mutation per instance.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jjeffery/kv" // MIT License
	"github.com/karlmutch/envflag"
	"github.com/tebeka/atexit"

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/minion"
	"github.com/raulmorenogaldon/scife-go/internal/rpc"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

var (
	listenOpt   = flag.String("listen", ":8238", "address the Cluster Minion Core RPC service listens on")
	nameOpt     = flag.String("name", "", "tag identifying this minion's cluster in the catalog")
	sshURLOpt   = flag.String("ssh-url", "", "SSH endpoint of the cluster front-end, e.g. cluster.example.org:22")
	sshUserOpt  = flag.String("ssh-user", "", "SSH username")
	sshPassOpt  = flag.String("ssh-password", "", "SSH password; leave empty to use the ssh-agent at SSH_AUTH_SOCK")
	mongoOpt    = flag.String("mongo-url", "", "MongoDB connection string; empty uses an in-memory document store")
	mongoDBOpt  = flag.String("mongo-db", "scife", "MongoDB database name")
)

func main() {
	envflag.Parse()

	if *nameOpt == "" || *sshURLOpt == "" || *sshUserOpt == "" {
		fmt.Fprintln(os.Stderr, "name, ssh-url and ssh-user are required")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := docstore.Open(ctx, *mongoOpt, *mongoDBOpt)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}
	atexit.Register(func() { _ = closeStore(ctx) })

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

	ln, errGo := net.Listen("tcp", *listenOpt)
	if errGo != nil {
		fmt.Fprintln(os.Stderr, errGo.Error())
		os.Exit(2)
	}
	fmt.Printf("minion %q listening on %s\n", *nameOpt, *listenOpt)

	fmt.Printf("minion %q state: %s\n", *nameOpt, m.State())

	stopC := make(chan os.Signal, 1)
	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopC
		_ = m.Close()
		fmt.Printf("minion %q state: %s\n", *nameOpt, m.State())
		cancel()
		ln.Close()
	}()

	serve(ctx, ln, m)
	atexit.Exit(0)
}

func serve(ctx context.Context, ln net.Listener, m *minion.Minion) {
	for {
		nc, errGo := ln.Accept()
		if errGo != nil {
			select {
			case <-ctx.Done():
				return
			default:
				fmt.Fprintln(os.Stderr, errGo.Error())
				continue
			}
		}
		go handleConn(ctx, rpc.NewConn(nc), m)
	}
}

func handleConn(ctx context.Context, conn *rpc.Conn, m *minion.Minion) {
	defer conn.Close()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.Heartbeat(connCtx)

	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}
		resp := dispatch(ctx, m, env)
		if errSend := conn.Send(resp); errSend != nil {
			return
		}
	}
}

func dispatch(ctx context.Context, m *minion.Minion, env rpc.Envelope) rpc.Envelope {
	switch env.Op {
	case "minion.CreateInstance":
		var args struct {
			Name  string
			Image types.Image
			Size  types.Size
		}
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		inst, err := m.CreateInstance(ctx, args.Name, args.Image, args.Size)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(inst)
	case "minion.DestroyInstance":
		var args struct{ InstanceID string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := m.DestroyInstance(ctx, args.InstanceID); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "minion.PollExperiment":
		var args struct{ InstanceID, Workdir string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		status, err := m.PollExperiment(ctx, args.InstanceID, args.Workdir)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(status)
	case "minion.CleanExperiment":
		var args struct{ InstanceID, Workdir string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := m.CleanExperiment(ctx, args.InstanceID, args.Workdir); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "minion.GetInstances":
		instances, err := m.GetInstances(ctx)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(instances)
	case "minion.GetImages":
		images, err := m.GetImages(ctx)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(images)
	case "minion.GetSizes":
		sizes, err := m.GetSizes(ctx)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(sizes)
	case "minion.CreateSize":
		var args struct {
			Name string
			Cpus int
			RAM  int
		}
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		size, err := m.CreateSize(ctx, args.Name, args.Cpus, args.RAM)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(size)
	case "minion.DeployExperiment":
		var args struct {
			InstanceID, RepoURL, Branch, Workdir, CreationScript string
			Size types.Size
		}
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := m.DeployExperiment(ctx, args.InstanceID, args.RepoURL, args.Branch, args.Workdir, args.CreationScript, args.Size); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "minion.ExecuteExperiment":
		var args struct {
			System                   types.System
			Workdir, ExecutionScript string
			Size                     types.Size
		}
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := m.ExecuteExperiment(ctx, args.System, args.Workdir, args.ExecutionScript, args.Size); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	default:
		return errEnvelope(kv.NewError("unknown operation").With("op", env.Op))
	}
}

func okEnvelope(v interface{}) rpc.Envelope {
	body, _ := json.Marshal(v)
	return rpc.Envelope{Payload: body}
}

func errEnvelope(err error) rpc.Envelope {
	if kvErr, ok := err.(kv.Error); ok {
		return rpc.Envelope{Err: rpc.ToWireError(kvErr)}
	}
	return rpc.Envelope{Err: &rpc.WireError{Message: err.Error()}}
}
