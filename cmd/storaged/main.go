// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// cmd/storaged hosts the Storage Core RPC service on :8237 (spec §1,
// §6). Flag/env handling follows cmd/runner/main.go's envflag.Parse
// pattern.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/jjeffery/kv" // MIT License
	"github.com/karlmutch/envflag"
	"github.com/tebeka/atexit"

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/rpc"
	"github.com/raulmorenogaldon/scife-go/internal/storage"
)

var (
	listenOpt  = flag.String("listen", ":8237", "address the Storage Core RPC service listens on")
	appPathOpt = flag.String("apppath", "./var/apps", "directory holding one working tree per application")
	inPathOpt  = flag.String("inputpath", "./var/inputs", "directory holding per-experiment input staging trees")
	outPathOpt = flag.String("outputpath", "./var/outputs", "directory holding per-experiment output staging trees")
	publicOpt  = flag.String("public-url", "localhost:8237", "host or host:port advertised in application/input/output URLs")
	mongoOpt   = flag.String("mongo-url", "", "MongoDB connection string; empty uses an in-memory document store")
	mongoDBOpt = flag.String("mongo-db", "scife", "MongoDB database name")

	Spew = spew.NewDefaultConfig()
)

func main() {
	envflag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := docstore.Open(ctx, *mongoOpt, *mongoDBOpt)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}
	atexit.Register(func() { _ = closeStore(ctx) })

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

	if _, err := st.Reconcile(ctx, store.Applications); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(3)
	}

	ln, errGo := net.Listen("tcp", *listenOpt)
	if errGo != nil {
		fmt.Fprintln(os.Stderr, errGo.Error())
		os.Exit(2)
	}
	fmt.Printf("storaged listening on %s\n", *listenOpt)

	stopC := make(chan os.Signal, 1)
	signal.Notify(stopC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopC
		cancel()
		ln.Close()
	}()

	serve(ctx, ln, st)
	atexit.Exit(0)
}

func serve(ctx context.Context, ln net.Listener, st *storage.Storage) {
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
		go handleConn(ctx, rpc.NewConn(nc), st)
	}
}

// handleConn answers every storage.* request on one connection until the
// peer disconnects, while a Heartbeat goroutine keeps the connection
// honest (spec §6).
func handleConn(ctx context.Context, conn *rpc.Conn, st *storage.Storage) {
	defer conn.Close()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.Heartbeat(connCtx)

	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}
		resp := dispatch(ctx, st, env)
		if errSend := conn.Send(resp); errSend != nil {
			return
		}
	}
}

func dispatch(ctx context.Context, st *storage.Storage, env rpc.Envelope) rpc.Envelope {
	switch env.Op {
	case "storage.CreateApplication":
		var args struct{ Name, Description, Src, CreationScript, ExecutionScript string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		app, err := st.CreateApplication(ctx, args.Name, args.Description, args.Src, args.CreationScript, args.ExecutionScript)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(app)
	case "storage.DiscoverLabels":
		var args struct{ AppID string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		labels, err := st.DiscoverLabels(ctx, args.AppID)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(labels)
	case "storage.CopyExperiment":
		var args struct{ AppID, ExpID string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := st.CopyExperiment(ctx, args.AppID, args.ExpID); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "storage.PrepareExecution":
		var args struct {
			AppID, ExpID, ExecID string
			Labels               map[string]string
			Recursive            bool
		}
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := st.PrepareExecution(ctx, args.AppID, args.ExpID, args.ExecID, args.Labels, args.Recursive); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "storage.RemoveExperiment":
		var args struct{ AppID, ExpID string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := st.RemoveExperiment(ctx, args.AppID, args.ExpID); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "storage.GetExperimentCode":
		var args struct{ AppID, ExpID, Fpath string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		data, err := st.GetExperimentCode(ctx, args.AppID, args.ExpID, args.Fpath)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(data)
	case "storage.PutExperimentCode":
		var args struct {
			AppID, ExpID, Fpath string
			Data                []byte
		}
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := st.PutExperimentCode(ctx, args.AppID, args.ExpID, args.Fpath, args.Data); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "storage.DeleteExperimentCode":
		var args struct{ AppID, ExpID, Fpath string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := st.DeleteExperimentCode(ctx, args.AppID, args.ExpID, args.Fpath); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "storage.PutExperimentInput":
		var args struct{ ExpID, Fpath, Src string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := st.PutExperimentInput(ctx, args.ExpID, args.Fpath, args.Src); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "storage.DeleteExperimentInput":
		var args struct{ ExpID, Fpath string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := st.DeleteExperimentInput(ctx, args.ExpID, args.Fpath); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "storage.RetrieveExperimentOutput":
		var args struct{ ExpID, Src string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		if err := st.RetrieveExperimentOutput(ctx, args.ExpID, args.Src); err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(struct{}{})
	case "storage.GetExecutionOutputFile":
		var args struct{ ExpID, Fpath string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		absPath, err := st.GetExecutionOutputFile(ctx, args.ExpID, args.Fpath)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(absPath)
	case "storage.GetInputFolderTree":
		var args struct{ ID string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		tree, err := st.GetInputFolderTree(ctx, args.ID)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(tree)
	case "storage.GetOutputFolderTree":
		var args struct{ ID string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		tree, err := st.GetOutputFolderTree(ctx, args.ID)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(tree)
	case "storage.GetExperimentSrcFolderTree":
		var args struct{ AppID, ExpID string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		tree, err := st.GetExperimentSrcFolderTree(ctx, args.AppID, args.ExpID)
		if err != nil {
			return errEnvelope(err)
		}
		return okEnvelope(tree)
	case "storage.GetApplicationURL":
		var args struct{ AppID string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		return okEnvelope(st.GetApplicationURL(args.AppID))
	case "storage.GetExperimentInputURL":
		var args struct{ ID string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		return okEnvelope(st.GetExperimentInputURL(args.ID))
	case "storage.GetExecutionOutputURL":
		var args struct{ ExecID string }
		if errGo := json.Unmarshal(env.Payload, &args); errGo != nil {
			return errEnvelope(kv.Wrap(errGo))
		}
		return okEnvelope(st.GetExecutionOutputURL(args.ExecID))
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
