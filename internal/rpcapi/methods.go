package rpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentcompany/agentcompany/internal/apperr"
	"github.com/agentcompany/agentcompany/internal/heartbeat"
	"github.com/agentcompany/agentcompany/internal/index"
	"github.com/agentcompany/agentcompany/internal/jobrunner"
	"github.com/agentcompany/agentcompany/internal/snapshot"
)

// RegisterJobMethods wires job.{submit,poll,collect,cancel,list} to a
// jobrunner.Runner (spec §6 RPC surface).
func RegisterJobMethods(r *Router, runner *jobrunner.Runner) {
	r.Register("job.submit", func(ctx context.Context, params json.RawMessage) (any, error) {
		var spec jobrunner.Spec
		if err := DecodeParams(params, &spec); err != nil {
			return nil, err
		}
		if spec.JobID == "" {
			spec.JobID = jobrunner.NewJobID()
		}
		job := runner.Submit(ctx, spec)
		return job, nil
	})

	r.Register("job.poll", func(ctx context.Context, params json.RawMessage) (any, error) {
		var key jobrunner.Key
		if err := DecodeParams(params, &key); err != nil {
			return nil, err
		}
		job, ok := runner.Poll(key)
		if !ok {
			return nil, notFound("job")
		}
		return job, nil
	})

	r.Register("job.collect", func(ctx context.Context, params json.RawMessage) (any, error) {
		var key jobrunner.Key
		if err := DecodeParams(params, &key); err != nil {
			return nil, err
		}
		result, ok := runner.Collect(key)
		if !ok {
			return nil, notFound("job result")
		}
		return result, nil
	})

	r.Register("job.cancel", func(ctx context.Context, params json.RawMessage) (any, error) {
		var key jobrunner.Key
		if err := DecodeParams(params, &key); err != nil {
			return nil, err
		}
		return map[string]bool{"canceled": runner.Cancel(key)}, nil
	})

	r.Register("job.list", func(ctx context.Context, params json.RawMessage) (any, error) {
		return runner.List(), nil
	})
}

// RegisterHeartbeatMethods wires heartbeat.tick to a running
// heartbeat.Service.
func RegisterHeartbeatMethods(r *Router, svc *heartbeat.Service) {
	r.Register("heartbeat.tick", func(ctx context.Context, params json.RawMessage) (any, error) {
		if err := svc.Tick(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

// RegisterIndexMethods wires index.{rebuild,sync} to an
// index.Store.
func RegisterIndexMethods(r *Router, store *index.Store, refs func() []index.RunRef) {
	r.Register("index.rebuild", func(ctx context.Context, params json.RawMessage) (any, error) {
		if err := store.Rebuild(refs()); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})

	r.Register("index.sync", func(ctx context.Context, params json.RawMessage) (any, error) {
		var ref index.RunRef
		if err := DecodeParams(params, &ref); err != nil {
			return nil, err
		}
		return store.Sync(ref)
	})
}

// RegisterSnapshotMethods wires desktop.bootstrap.snapshot to compose.
// It registers no separate pm, monitor, inbox or resources snapshot
// methods; those views are reachable only as parts of the bootstrap
// snapshot. The snapshot package itself is pure; this layer's job is
// only to expose it through the method registry.
func RegisterSnapshotMethods(r *Router, compose func(ctx context.Context) (snapshot.DesktopBootstrapSnapshot, error)) {
	r.Register("desktop.bootstrap.snapshot", func(ctx context.Context, params json.RawMessage) (any, error) {
		return compose(ctx)
	})
}

// RegisterSystemMethods wires system.capabilities, reporting the
// currently registered method surface.
func RegisterSystemMethods(r *Router) {
	r.Register("system.capabilities", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{"methods": r.Methods()}, nil
	})
}

func notFound(what string) error {
	return apperr.New(apperr.KindStatePrecondition, fmt.Sprintf("%s not found", what))
}
