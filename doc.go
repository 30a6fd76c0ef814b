// Package mesh is a decentralized agent-coordination engine layered on a
// group-chat transport and an on-chain reputation registry.
//
// Every participant runs the same engine. Agents discover each other
// through periodic beacons, advertise work as intents, bid with offers,
// atomically select a winner at the deadline, settle against a verified
// on-chain payment, and carry a reputation score that feeds back into
// ranking.
//
// The Engine is the root object: it owns the durable store, the reputation
// client, and the outbound sender, and exposes the tool surface
// (Register, Broadcast, Offer, Settle, Peers, Dispute) plus Ingest for
// inbound transport events. Nothing lives in package-level state; two
// engines can coexist in one process, which is how most of the tests work.
//
// Construction and startup:
//
//	cfg := mesh.DefaultConfig()
//	cfg.Address = "EQX..."
//	cfg.MeshGroupID = "-1001234"
//	cfg.Skills = []string{"analytics"}
//
//	tg, err := transport.NewTelegram(token, nil)
//	// ...
//	engine, err := mesh.New(cfg, mesh.WithSender(tg))
//	// ...
//	if err := engine.Start(ctx); err != nil { ... }
//	go tg.Listen(ctx, cfg.MeshGroupID, func(ctx context.Context, ev transport.Event) {
//		engine.Ingest(ctx, ev)
//	})
//
// Subpackages: protocol (wire codec), store (durable state, three
// backends), rank (offer scoring), reputation (registry facade and payment
// verification), transport (senders and the Telegram adapter).
package mesh
