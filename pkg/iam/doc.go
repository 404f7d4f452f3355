// Package iam implements Keystone's identity and access management core:
// the permission graph, the effective-permission resolution engine, the
// decision cache, and the navigation projection.
//
// The permission model has two layers. View permissions are tri-state
// (allow, deny, inherit) per role; an inherited state resolves to whether
// the view's owning module is enabled for the company. Feature-action
// permissions are explicit grants; a missing row means deny. In both
// layers the final answer across a user's roles is the most permissive
// one.
//
// Every decision is scoped to a company. A role only grants access within
// its owning company, so a user's roles in one tenant are invisible to
// checks against another.
//
// Decisions are cached per (user, company) with a fixed TTL. The cache is
// derived state: any permission-graph mutation invalidates the affected
// users' entries wholesale before the mutation reports success, and a
// dropped cache only costs latency, never correctness.
//
// Typical wiring goes through the Manager:
//
//	mgr, err := iam.NewManager(iam.ManagerConfig{
//		DB:       db,
//		Recorder: recorder,
//		Logger:   logger,
//		Metrics:  metrics,
//	})
//	if err != nil { ... }
//	if err := mgr.Initialize(ctx); err != nil { ... }
//	mgr.RegisterRoutes(router)
package iam
