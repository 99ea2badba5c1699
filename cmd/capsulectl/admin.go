package main

import (
	"fmt"

	"github.com/capsulekit/engine/pkg/acl"
	"github.com/capsulekit/engine/pkg/config"
	"github.com/capsulekit/engine/pkg/envctx"
	"github.com/capsulekit/engine/pkg/ids"
	"github.com/capsulekit/engine/pkg/model"
	"github.com/capsulekit/engine/pkg/storage"
)

// adminEnv builds a production Env for the operator identity presented
// via --as, defaulting to the "root-admin" principal used by deployments
// that provision the root capsule's sole owner at bootstrap.
func adminEnv(as string) *envctx.System {
	caller := model.Subject(as)
	if as == "" {
		caller = model.Principal("root-admin")
	}
	return envctx.NewSystem(caller, nil)
}

// requireRootOwn enforces §6's admin gate: every admin operation requires
// OWN on the configured root capsule, checked directly against the ACL
// kernel rather than through pkg/capsule (admin operations mutate process
// config, not capsule records, so there is no Capsule Store API call to
// piggyback the check on).
func requireRootOwn(store storage.Store, cfg *config.Live, env envctx.Env) error {
	root, err := store.GetCapsule(ids.CapsuleId(cfg.Get().RootCapsuleID))
	if err != nil {
		return fmt.Errorf("load root capsule: %w", err)
	}
	result := acl.EvaluateCapsule(root, acl.Context{
		Subject:        env.Caller(),
		NowNanos:       env.Now(),
		PublicBaseline: cfg.Get().PublicBaselineMask,
	})
	if err := acl.Require(result, model.MaskOwn); err != nil {
		return fmt.Errorf("admin operation requires OWN on the root capsule: %w", err)
	}
	return nil
}
