package control

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/guard"
	"github.com/openfroyo/epm/pkg/stores"
	"github.com/openfroyo/epm/pkg/telemetry"
)

// ErrDenied is returned when guard rules reject a change set.
var ErrDenied = errors.New("transaction denied by guard rules")

// StepConfirm is asked before every backend partition of a stepped commit.
type StepConfirm func(step int, kind engine.BackendKind, ops map[*engine.Package]engine.Action) bool

// Outcome describes a finished commit.
type Outcome struct {
	TransactionID string
	Summary       map[engine.Action]int
	Warnings      []guard.Violation

	// Completed is false when a stepped commit was stopped before the last
	// partition.
	Completed bool

	Duration time.Duration
}

// Check evaluates the guard rules against the change set of tx.
func (c *Control) Check(ctx context.Context, tx *engine.Transaction) (*guard.Result, error) {
	input := guard.BuildInput(tx.Policy().Name(), tx.ChangeSet(), guard.Options{
		Architecture:   c.cfg.Architecture,
		Protected:      c.cfg.Guard.Protected,
		AllowDowngrade: c.cfg.Guard.AllowDowngrade || c.opts.AllowDowngrade,
		MaxRemovals:    c.cfg.Guard.MaxRemovals,
	})
	result, err := c.guard.Evaluate(ctx, input)
	if err != nil {
		return nil, err
	}
	for _, v := range result.Denials {
		_ = c.tel.Events.PublishGuardViolation(tx.ID(), v.Package, v.Rule, v.Message)
	}
	return result, nil
}

// checkAllowed evaluates the guard rules and turns denials into ErrDenied.
func (c *Control) checkAllowed(ctx context.Context, tx *engine.Transaction) (*guard.Result, error) {
	result, err := c.Check(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		msgs := make([]string, len(result.Denials))
		for i, v := range result.Denials {
			msgs[i] = v.String()
		}
		return nil, fmt.Errorf("%w:\n    %s", ErrDenied, strings.Join(msgs, "\n    "))
	}
	for _, v := range result.Warnings {
		c.logger.Warn().Str("rule", v.Rule).Str("package", v.Package).Msg(v.Message)
	}
	return result, nil
}

// URLs returns the artifact URL of every package tx installs.
func (c *Control) URLs(tx *engine.Transaction) (map[*engine.Package]string, error) {
	return c.committer.URLs(tx)
}

// Download fetches and verifies the artifacts of tx without committing.
func (c *Control) Download(ctx context.Context, tx *engine.Transaction) (map[*engine.Package]string, error) {
	if _, err := c.checkAllowed(ctx, tx); err != nil {
		return nil, err
	}
	return c.acquire(c.tel.WithContext(ctx), tx)
}

func (c *Control) acquire(ctx context.Context, tx *engine.Transaction) (map[*engine.Package]string, error) {
	artifacts, err := c.committer.Acquire(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := verifyArtifacts(artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// verifyArtifacts compares every artifact with the size and checksum its
// channel announced. Mismatches are reported together as an acquisition
// failure.
func verifyArtifacts(artifacts map[*engine.Package]string) error {
	failed := make(map[string]string)
	for pkg, path := range artifacts {
		loader, ok := pkg.SourceLoader()
		if !ok {
			continue
		}
		info, err := loader.Info(pkg)
		if err != nil {
			return engine.NewInternalError(fmt.Sprintf("no package info for %s", pkg), err)
		}
		if reason := checkArtifact(path, info); reason != "" {
			failed[info.URL] = reason
		}
	}
	if len(failed) > 0 {
		return engine.NewAcquisitionError(failed)
	}
	return nil
}

func checkArtifact(path string, info engine.PackageInfo) string {
	if info.Size <= 0 && info.SHA256 == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return err.Error()
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return err.Error()
	}
	if info.Size > 0 && n != info.Size {
		return fmt.Sprintf("size mismatch: got %d bytes, want %d", n, info.Size)
	}
	if info.SHA256 != "" {
		if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, info.SHA256) {
			return fmt.Sprintf("sha256 mismatch: got %s, want %s", sum, info.SHA256)
		}
	}
	return ""
}

// Commit checks tx against the guard rules, fetches its artifacts and
// commits it backend by backend. With a non-nil confirm, every partition is
// confirmed first. The transaction is recorded in the history whatever the
// outcome, and the cache is reloaded afterwards. The data directory stays
// locked exclusively from the first history write to the last.
func (c *Control) Commit(ctx context.Context, tx *engine.Transaction, confirm StepConfirm) (*Outcome, error) {
	cs := tx.ChangeSet()
	outcome := &Outcome{TransactionID: tx.ID(), Summary: cs.Summary()}
	if cs.IsEmpty() {
		outcome.Completed = true
		return outcome, nil
	}

	result, err := c.checkAllowed(ctx, tx)
	if err != nil {
		return nil, err
	}
	outcome.Warnings = result.Warnings

	ctx = c.tel.WithContext(ctx)
	ctx, span := c.tel.Tracer.StartTransactionSpan(ctx, tx.ID(), tx.Policy().Name())
	defer span.End()

	start := time.Now()
	policy := tx.Policy().Name()
	c.tel.Metrics.RecordTransactionStarted(policy)
	_ = c.tel.Events.PublishTransactionStarted(tx.ID(), policy, len(tx.Intents()))

	counts := make(map[string]int, len(outcome.Summary))
	for action, n := range outcome.Summary {
		counts[string(action)] = n
	}
	c.tel.Metrics.RecordChanges(counts)

	unlock, err := c.lock(c.cfg.DataDir, true)
	if err != nil {
		return nil, err
	}
	if err := c.recordStart(ctx, tx, counts, start); err != nil {
		unlock()
		return nil, err
	}

	completed, err := c.commit(ctx, tx, confirm)
	outcome.Completed = completed
	outcome.Duration = time.Since(start)

	status := stores.TransactionStatusSucceeded
	switch {
	case err != nil:
		status = stores.TransactionStatusFailed
	case !completed:
		status = stores.TransactionStatusAborted
	}
	c.recordEnd(ctx, tx.ID(), status, err)
	unlock()
	c.tel.Metrics.RecordTransactionCompleted(string(status), outcome.Duration)

	if err != nil {
		telemetry.RecordError(span, err)
		c.recordError(err)
		_ = c.tel.Events.PublishTransactionFailed(tx.ID(), err.Error())
	} else {
		telemetry.RecordSuccess(span)
		_ = c.tel.Events.PublishTransactionCommitted(tx.ID(), string(status), outcome.Duration)
	}

	if loadErr := c.Load(ctx); loadErr != nil && err == nil {
		err = loadErr
	}
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

// commit acquires the artifacts and runs the committer. The caller holds
// the exclusive lock of the data directory.
func (c *Control) commit(ctx context.Context, tx *engine.Transaction, confirm StepConfirm) (bool, error) {
	artifacts, err := c.acquire(ctx, tx)
	if err != nil {
		return false, err
	}

	c.setActiveTransaction(tx.ID())
	defer c.setActiveTransaction("")

	if confirm == nil {
		if err := c.committer.Commit(ctx, tx, artifacts); err != nil {
			return false, err
		}
		return true, nil
	}
	return c.committer.CommitStepped(ctx, tx, artifacts, confirm)
}

func (c *Control) recordStart(ctx context.Context, tx *engine.Transaction, counts map[string]int, start time.Time) error {
	intents := make([]string, 0, len(tx.Intents()))
	for _, in := range tx.Intents() {
		intents = append(intents, string(in.Action)+" "+in.Package.String())
	}
	sort.Strings(intents)

	var changes []stores.Change
	for _, entry := range tx.ChangeSet().Entries() {
		changes = append(changes, stores.Change{
			TransactionID: tx.ID(),
			PackageRef: stores.PackageRef{
				Name:    entry.Package.Name,
				Version: entry.Package.Version,
				Arch:    entry.Package.Arch,
				Backend: string(entry.Package.Backend),
			},
			Action: string(entry.Action),
		})
	}

	record := &stores.Transaction{
		ID:        tx.ID(),
		Policy:    tx.Policy().Name(),
		Status:    stores.TransactionStatusRunning,
		Intents:   intents,
		Summary:   counts,
		StartedAt: start.UTC(),
	}
	if err := c.store.CreateTransaction(ctx, record, changes); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (c *Control) recordEnd(ctx context.Context, id string, status stores.TransactionStatus, cause error) {
	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	if err := c.store.UpdateTransactionStatus(context.WithoutCancel(ctx), id, status, msg); err != nil {
		c.logger.Error().Err(err).Str("transaction_id", id).Msg("Failed to record transaction status")
	}
}

func (c *Control) recordError(err error) {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		c.tel.Metrics.RecordError(string(ee.Class), ee.Code)
		return
	}
	c.tel.Metrics.RecordError("unknown", "")
}

// History returns the most recent transactions, newest first.
func (c *Control) History(ctx context.Context, limit int) ([]*stores.Transaction, error) {
	unlock, err := c.lock(c.cfg.DataDir, false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.store.ListTransactions(ctx, limit, 0)
}

// Changes returns the package changes of a recorded transaction.
func (c *Control) Changes(ctx context.Context, id string) (*stores.Transaction, []stores.Change, error) {
	unlock, err := c.lock(c.cfg.DataDir, false)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	record, err := c.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	changes, err := c.store.ListChanges(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return record, changes, nil
}
