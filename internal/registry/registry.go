// Package registry resolves the dual push/pull registry addresses the
// Image Builder needs (spec.md §4.3, §9 "Registry dual-address"): the
// build tool may need to reach the registry via a different address than
// the one pods use to pull.
package registry

import (
	"context"
	"strings"

	"github.com/streamspace/vscode-devcontainer-manager/internal/logger"
)

// nodePort is the registry port convention this service assumes when a
// node-internal address is discovered, matching the original's MicroK8s
// registry add-on port.
const nodePort = "32000"

// nodeLister is the subset of the Orchestrator Gateway the resolver needs;
// satisfied by *k8s.Gateway, kept as an interface so tests don't need a
// fake clientset.
type nodeLister interface {
	ListNodeInternalIPs(ctx context.Context) ([]string, error)
}

// Addresses holds the resolved push and pull registry endpoints.
type Addresses struct {
	Push string
	Pull string
}

// Resolve determines push/pull registry addresses once at startup.
// configured is the REGISTRY environment value; when it ends in the
// conventional node port (":32000", typically "localhost:32000"), the
// resolver tries to find a node-internal IP for push while pods keep
// pulling from the configured address — mirroring the original's
// MicroK8s node-IP sniff. Any failure
// or ambiguity falls back to using configured for both roles.
func Resolve(ctx context.Context, nodes nodeLister, configured string) Addresses {
	fallback := Addresses{Push: configured, Pull: configured}

	if !strings.HasSuffix(configured, ":"+nodePort) {
		return fallback
	}

	ips, err := nodes.ListNodeInternalIPs(ctx)
	if err != nil {
		logger.Gateway().Warn().Err(err).Msg("failed to list node IPs, using configured registry for push and pull")
		return fallback
	}
	if len(ips) == 0 {
		logger.Gateway().Warn().Msg("no node internal IPs found, using configured registry for push and pull")
		return fallback
	}

	resolved := Addresses{Push: ips[0] + ":" + nodePort, Pull: configured}
	logger.Gateway().Info().Str("push", resolved.Push).Str("pull", resolved.Pull).Msg("resolved dual registry addresses")
	return resolved
}
