package snapshot

import "time"

// RestoreContext describes a running restore. It is handed to migration
// hooks and listeners so they can tell restore-driven writes apart from
// ordinary ones without consulting global state.
type RestoreContext struct {
	ID                string
	Source            string
	StartedAt         time.Time
	Resumed           bool
	Invocation        int
	FromSchemaVersion int
	ToSchemaVersion   int
}

// MigrationRequired reports whether rows come from an older schema version.
func (rc RestoreContext) MigrationRequired() bool {
	return rc.FromSchemaVersion < rc.ToSchemaVersion
}

// RestoreListener is notified when a restore invocation starts and stops.
// Listeners run synchronously on the restoring goroutine.
type RestoreListener interface {
	RestoreStarted(rc RestoreContext)
	RestoreStopped(rc RestoreContext, status Status, err error)
}
