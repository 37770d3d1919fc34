// Package capability defines the external-collaborator interfaces the core
// consumes rather than implements. The machine store's atomic primitives
// live in internal/store directly (it is the one capability the core owns),
// but Provisioner, the Inspector pipeline, RemoteExec, and PeerResolver are
// boundaries concrete backends plug into.
package capability

import (
	"context"

	"github.com/ryncsn/cuvette/internal/model"
	"github.com/ryncsn/cuvette/internal/query"
)

// Provisioner is the external collaborator that acquires and releases hosts.
type Provisioner interface {
	Name() string
	Available(q *query.Query) bool
	Cost(q *query.Query) float64
	Provision(ctx context.Context, machines []*model.Machine, q *query.Query) error
	// Resume re-attaches to a previously started provision after a restart,
	// using state the provisioner itself stashed in machine.Meta.
	Resume(ctx context.Context, machines []*model.Machine, q *query.Query) error
	Teardown(ctx context.Context, machines []*model.Machine, q *query.Query) error
	IsTornDown(ctx context.Context, machines []*model.Machine, q *query.Query) (bool, error)
}

// InspectorPipeline is the C6 capability: opens a remote shell to a machine
// and fans out to every registered inspector.
type InspectorPipeline interface {
	Perform(ctx context.Context, machine *model.Machine) error
}

// RemoteExec opens a shell-equivalent session to a machine and runs a
// command.
type RemoteExec interface {
	Run(ctx context.Context, hostname string, command string) (stdout, stderr string, err error)
}

// PeerResolver resolves the hostname of the HTTP peer making a request, for
// the self-service endpoints (/release_me, /describ_me, /tear_me_down).
type PeerResolver interface {
	ResolvePeer(ctx context.Context, remoteAddr string) (hostname string, ok bool)
}
