// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package errkind names the stable error-kind tags attached to every
// kv.Error that crosses an RPC boundary in this module.
package errkind

const (
	// InputInvalid marks malformed requests: absolute paths where a relative
	// one is required, unknown ids, bad configuration, missing source trees.
	InputInvalid = "input-invalid"

	// StateViolation marks an operation that conflicts with an entity's
	// current lifecycle state, for example a second deploy or an execute
	// issued before a successful deploy.
	StateViolation = "state-violation"

	// Transport marks SSH connect/auth/exec failures and document store
	// unavailability.
	Transport = "transport"

	// RemoteTool marks a non-zero exit from git, scp, qsub, qdel or qstat
	// beyond the normalised "Unknown" qstat case.
	RemoteTool = "remote-tool"

	// NotFound marks a missing file, branch or entity.
	NotFound = "not-found"

	// Timeout marks a deadline exceeded while waiting on a lock or a
	// remote operation.
	Timeout = "timeout"
)

// keyvaler is the subset of kv.Error this package needs, kept local so
// errkind does not have to import kv.
type keyvaler interface {
	Keyvals() []interface{}
}

// Of returns the "kind" tag attached to err by .With("kind", ...), or ""
// if err carries none.
func Of(err keyvaler) string {
	if err == nil {
		return ""
	}
	kvs := err.Keyvals()
	for i := 0; i+1 < len(kvs); i += 2 {
		if kvs[i] == "kind" {
			if s, ok := kvs[i+1].(string); ok {
				return s
			}
		}
	}
	return ""
}
