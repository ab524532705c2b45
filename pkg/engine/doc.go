// Package engine provides the package graph, the transaction resolver and the
// committer for epm.
//
// # Overview
//
// A command runs through a fixed pipeline:
//
//  1. Load - Loaders from configured channels populate a Cache snapshot
//  2. Enqueue - User intents are recorded on a Transaction
//  3. Run - The Transaction resolves intents into a consistent ChangeSet
//  4. Acquire - The Committer fetches artifacts for install-like entries
//  5. Commit - The Committer dispatches per-backend partitions in order
//
// # Core Domain Types
//
//   - Package: An immutable package discovered by one or more loaders
//   - Capability: A (name, relation, version) requirement or provision
//   - ChangeSet: A mapping from Package to Action
//   - Policy: Candidate ranking and conflict resolution strategy
//   - Transaction: Intents, a Policy and the resolved ChangeSet
//   - Committer: Acquisition and sequential backend dispatch
//
// # Resolution
//
// Run processes an explicit work queue of requirement, removal and conflict
// items until it drains. Candidates for a requirement are ordered by:
//
//  1. Exact name match over a virtual provision
//  2. Highest version
//  3. Installed over not installed
//  4. The Policy's own preference
//  5. Name, version, architecture and backend
//
// The last key makes the order total, so the same Cache, intents and Policy
// always yield the same ChangeSet.
//
// # Backends
//
// Every Package carries a BackendKind. The Committer partitions a ChangeSet by
// kind and runs one partition at a time. Partition order follows cross-backend
// requirements first and declared registry priority second.
//
// # Errors
//
// All failures are EngineError values classified by ErrorClass. Expected
// outcomes such as an already satisfied intent use the expected class and are
// tested with IsAlreadySatisfied. Lock contention in non-blocking mode is not
// an error at all.
package engine
