// Package engine resolves artifact dependency graphs and drives installs,
// upgrades and uninstalls with compensating rollback.
//
// # Resolution
//
// Resolver walks registry metadata depth first and builds a DependencyChain:
// a flat arena of DependencyNode values keyed by "pluginId@version", with
// edges stored as key lists. Requests are memoized by "pluginId@constraint"
// ("latest" when unconstrained), so a plugin reached twice is fetched once.
// A required dependency that fails aborts resolution; an optional one is
// dropped with a warning, together with anything resolved beneath it.
//
// Once the arena is built, a three-colour depth-first search rejects
// cycles and Kahn's algorithm orders the nodes dependencies first, breaking
// ties lexicographically.
//
// Two requests for the same plugin at different explicit versions produce
// two nodes. There is no cross-branch unification; the Orchestrator
// refuses such a chain with a version conflict before touching anything.
//
// # Orchestration
//
// Orchestrator walks the install order, skipping the root. A node that is
// installed and satisfies every constraint placed on it is left alone;
// otherwise it is upgraded or installed through the PackageInstaller and
// the change is recorded in a ChangeSet. When anything fails, the change
// set is compensated in reverse: upgrades are restored first, then new
// installs are removed. Every compensating action is attempted and the
// original failure stays the reported error:
//
//	dependency install failed: <cause> (2 of 2 changes rolled back)
//
// Prior versions are held in an ArtifactCache until the operation ends so
// that compensation does not depend on the registry still serving them.
//
// # Error Classification
//
// All errors are *EngineError values with a class and a code:
//
//   - Transient: downloads and execution backends, safe to retry
//   - Conflict: version conflicts against installed state
//   - Permanent: everything else
//
// Use the Is* helpers to inspect them:
//
//	if engine.IsCircularDependencyError(err) {
//	    // nothing was installed
//	}
//
// # Concurrency
//
// Resolution and installation are synchronous and sequential. Neither the
// Resolver nor the Orchestrator locks; callers must serialize overlapping
// operations on the same plugins.
package engine
