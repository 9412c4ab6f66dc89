package memory

import "context"

// Store is the document store of record.
type Store interface {
	Close() error

	PutMemCell(ctx context.Context, cell MemCell) (MemCell, error)
	GetMemCell(ctx context.Context, eventID string) (MemCell, error)
	DeleteMemCell(ctx context.Context, eventID string) error
	ListMemCells(ctx context.Context, q MemCellQuery) ([]MemCell, error)
	CountUnprofiled(ctx context.Context, userID string) (int, error)

	LoadClusterState(ctx context.Context, groupID string) (ClusterState, error)
	SaveClusterState(ctx context.Context, state ClusterState) error
	ListGroups(ctx context.Context) ([]string, error)

	GetProfile(ctx context.Context, userID string) (Profile, error)
	SaveProfile(ctx context.Context, profile Profile) error
	ListProfiles(ctx context.Context, afterUserID string, limit int) ([]Profile, error)
	ListProfileVersions(ctx context.Context, userID string, limit int) ([]Profile, error)

	CommitConsolidation(ctx context.Context, commit ConsolidationCommit) error

	WatermarkStore
	AliasStore
	JobStore
}

// WatermarkStore persists the last synced version per (entity, target).
type WatermarkStore interface {
	GetSyncWatermark(ctx context.Context, key string, target SyncTarget) (version int64, deleted bool, err error)
	AdvanceSyncWatermark(ctx context.Context, key string, target SyncTarget, version int64, deleted bool) error
}

// AliasStore records which physical index an alias points at.
type AliasStore interface {
	GetAlias(ctx context.Context, alias string) (string, error)
	SetAlias(ctx context.Context, alias, physical string) error
}

// JobStore is the durable worker queue.
type JobStore interface {
	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id, errMsg string, runAfterMS int64) error
	FailJob(ctx context.Context, id, errMsg string) error
	RequeueExpiredJobs(ctx context.Context, nowMS int64) error
	CountJobs(ctx context.Context, status string) (int, error)
}

// EntityKey is the serialization and watermark key of an entity.
func EntityKey(e Entity) string {
	return string(e.EntityKind()) + ":" + e.EntityID()
}
