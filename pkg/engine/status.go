package engine

import (
	"fmt"
)

// Action is the change applied to a package by a transaction.
type Action string

const (
	// ActionInstall installs a package that is not present.
	ActionInstall Action = "install"

	// ActionRemove removes an installed package.
	ActionRemove Action = "remove"

	// ActionReinstall installs the same version over an installed copy.
	ActionReinstall Action = "reinstall"

	// ActionFix keeps an installed package but re-verifies its requirements.
	ActionFix Action = "fix"

	// ActionUpgrade installs a newer version in place of an installed one.
	ActionUpgrade Action = "upgrade"

	// ActionDowngrade installs an older version in place of an installed one.
	ActionDowngrade Action = "downgrade"
)

// IsInstallLike returns true if the action results in the package being present
// on the system from a fetched artifact.
func (a Action) IsInstallLike() bool {
	return a == ActionInstall || a == ActionReinstall ||
		a == ActionUpgrade || a == ActionDowngrade
}

// NeedsArtifact returns true if the committer must acquire an artifact for the action.
func (a Action) NeedsArtifact() bool {
	return a.IsInstallLike()
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionInstall, ActionRemove, ActionReinstall,
		ActionFix, ActionUpgrade, ActionDowngrade:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// TransactionState is the lifecycle state of a Transaction.
type TransactionState string

const (
	// StateEmpty indicates no intent has been enqueued yet.
	StateEmpty TransactionState = "empty"

	// StateEnqueuing indicates intents were recorded since the last resolution.
	StateEnqueuing TransactionState = "enqueuing"

	// StateResolved indicates the change set is resolved and read-only.
	StateResolved TransactionState = "resolved"

	// StateFailed indicates the last resolution failed.
	StateFailed TransactionState = "failed"
)

// IsTerminal returns true if no further resolution happens without new intents.
func (s TransactionState) IsTerminal() bool {
	return s == StateResolved || s == StateFailed
}

// Validate checks if the transaction state is valid.
func (s TransactionState) Validate() error {
	switch s {
	case StateEmpty, StateEnqueuing, StateResolved, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid transaction state: %s", s)
	}
}

// CommitStatus is the recorded outcome of a committed transaction.
type CommitStatus string

const (
	// CommitStatusSucceeded indicates every backend partition committed.
	CommitStatusSucceeded CommitStatus = "succeeded"

	// CommitStatusFailed indicates a partition failed and later partitions were skipped.
	CommitStatusFailed CommitStatus = "failed"

	// CommitStatusDownloaded indicates artifacts were acquired without committing.
	CommitStatusDownloaded CommitStatus = "downloaded"

	// CommitStatusAborted indicates the user declined the change set.
	CommitStatusAborted CommitStatus = "aborted"
)

// IsTerminal returns true for every status; history rows are written once.
func (s CommitStatus) IsTerminal() bool {
	return s.Validate() == nil
}

// Validate checks if the commit status is valid.
func (s CommitStatus) Validate() error {
	switch s {
	case CommitStatusSucceeded, CommitStatusFailed,
		CommitStatusDownloaded, CommitStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid commit status: %s", s)
	}
}
