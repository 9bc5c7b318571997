package dbserver

// PageStoreStatsRequest carries no parameters; GetPageStoreStats always
// reports on the single store a Server was constructed with.
type PageStoreStatsRequest struct{}

// PageStoreStatsResponse mirrors pagestore.PageStore's durable-state
// accessors.
type PageStoreStatsResponse struct {
	PageSize    uint32
	MaxStateNum uint64
	StoreSizeB  uint64
	PageCount   int
}

// AllocatorStatsRequest carries no parameters.
type AllocatorStatsRequest struct{}

// AllocatorStatsResponse mirrors crdtalloc.Allocator's diagnostic
// accessors.
type AllocatorStatsResponse struct {
	MaxAddr        uint64
	AllocDelta     int64
	AllocCount     int64
	FreeCount      int64
	OutOfMemory    int64
	LiveAllocCount int
	RebuildCount   int64
}

// FindMutationRequest asks for the most recent state at or before
// State in which PageNum was written.
type FindMutationRequest struct {
	PageNum uint64
	State   uint64
}

// FindMutationResponse reports the result of FindMutationRequest.
type FindMutationResponse struct {
	State uint64
	Found bool
}

// FetchChangeLogsRequest asks for the pages touched by every state in
// [From, To].
type FetchChangeLogsRequest struct {
	From uint64
	To   uint64
}

// ChangeLogEntry reports the set of pages touched at one state number.
type ChangeLogEntry struct {
	State uint64
	Pages []uint64
}

// FetchChangeLogsResponse carries every ChangeLogEntry in the
// requested range, in ascending state order.
type FetchChangeLogsResponse struct {
	Entries []ChangeLogEntry
}

// AdminFlushRequest carries no parameters; AdminFlush always flushes
// the single store a Server was constructed with.
type AdminFlushRequest struct{}

// AdminFlushResponse reports the state flushed up through.
type AdminFlushResponse struct {
	FlushedThroughState uint64
}
