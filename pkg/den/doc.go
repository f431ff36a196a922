// Package den provides type-safe Go definitions and on-disk protocol
// primitives for the drey den.
//
// # Overview
//
// The den is the shared coordination directory where all drey processes
// (orchestrator, workers, CLI, answerers) interact via well-defined documents
// on a local filesystem. It implements a blackboard-style shared workspace:
// independent processes collaborate by reading and atomically rewriting
// structured files, serialized by directory-based locks.
//
// # Core Concepts
//
// The catalog is the static, source-controlled list of features with their
// dependencies, priorities and builder hints. It is loaded once and never
// mutated at runtime.
//
// The state document holds one mutable record per feature id (status, claim
// fields, branch, CI results). It is the single authoritative shared object;
// every mutation funnels through Store.Mutate under the global state lock.
//
// A claim is a worker's exclusive assertion that it owns a feature's
// transition out of pending. Claims are granted by dependency-aware selection
// with deterministic priority-then-id ordering.
//
// Decisions are persistent question records raised by workers and answered by
// a different process (a human at the CLI, a chat bridge, a file drop). The
// record file is the rendezvous point.
//
// # Den Layout
//
// All paths are rooted at a single den directory (default .drey):
//
//	state.json        feature state document
//	locks/            directory locks, one <name>.lock dir per held lock
//	heartbeats/       one timestamp file per worker id
//	decisions/        one JSON record per decision id
//	answers/          file-drop inbox consumed by the answer poller
//	ledger.csv        append-only cost ledger
//	merge-plan.md     generated merge plan
//
// # Concurrency Model
//
// Processes coordinate exclusively through the filesystem. Directory creation
// is the atomic primitive: a lock is held by the process that created
// <name>.lock and released by removing it. State writes are temp-then-rename
// so readers never observe a half-written document. Heartbeat files and the
// ledger are single-writer or append-only and need no reader coordination.
//
// # Usage Example
//
//	layout := den.NewLayout(".drey")
//	catalog, err := den.LoadCatalog("catalog.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	store := den.NewStore(layout, catalog)
//	if err := store.Load(); err != nil {
//		log.Fatal(err)
//	}
//
//	claims := den.NewClaims(store, den.NopNotifier{}, "feature")
//	id, err := claims.ClaimNext(ctx, "worker-1")
//	if den.IsEmpty(err) {
//		// nothing claimable right now
//	}
package den
