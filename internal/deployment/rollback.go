package deployment

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"edgeagent/internal/configtree"
)

// rollback restores snapshot after a failed merge. The reported cause is
// always the failure that triggered the rollback. A nil result means the
// process is shutting down.
func (a *Activator) rollback(ctx context.Context, log *slog.Logger, snapshot []byte, preBroken []string, timeout time.Duration, cause error) *Result {
	target, err := configtree.Decode(snapshot)
	if err != nil {
		log.Error("rollback snapshot unreadable", "err", err)
		return &Result{Detailed: DetailedFailedUnableToRollback, Cause: cause}
	}

	changes := Diff(a.tree.Components(), target)
	at := a.clock.Now()
	err = a.merge(ctx, changes, func(at time.Time) error {
		_, err := a.tree.Replace(at, target)
		if err != nil {
			return newError(KindRollbackReapply, []string{CodeRollbackReapply}, []string{TypeNucleusError}, "reapply configuration snapshot", err)
		}
		return nil
	}, at, timeout)
	if IsKind(err, KindInterrupted) {
		return nil
	}
	if err != nil {
		log.Error("rollback could not reapply configuration", "err", err)
		return &Result{Detailed: DetailedFailedUnableToRollback, Cause: cause}
	}

	tracked := excludeBroken(changes.ToTrack(a.runtime.AutoStartable()), preBroken, a.graph.FindDependers(preBroken))
	log.Info("waiting for components to start after rollback", "components", tracked)
	if err := a.Converge(ctx, tracked, at, timeout); err != nil {
		switch {
		case IsKind(err, KindCanceled):
			return &Result{Detailed: DetailedCanceled}
		case IsKind(err, KindInterrupted):
			return nil
		}
		log.Error("rollback did not converge", "err", err)
		return &Result{Detailed: DetailedFailedUnableToRollback, Cause: cause}
	}

	if err := changes.RemoveObsolete(ctx, a.runtime); err != nil {
		log.Warn("remove obsolete components after rollback failed", "components", changes.Removed, "err", err)
	}
	log.Info("rollback complete")
	return &Result{Detailed: DetailedFailedRollbackComplete, Cause: cause}
}

// excludeBroken drops components that were broken before the deployment
// and everything that HARD-depends on them.
func excludeBroken(tracked, preBroken, dependers []string) []string {
	return slices.DeleteFunc(slices.Clone(tracked), func(name string) bool {
		return slices.Contains(preBroken, name) || slices.Contains(dependers, name)
	})
}
