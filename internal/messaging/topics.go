package messaging

// Topic constants for the pool's event stream
const (
	TopicShares = "pool.shares" // every submit past the job lookup
	TopicBlocks = "pool.blocks" // forwarded block candidates
	TopicJobs   = "pool.jobs"   // broadcast jobs
	TopicStats  = "pool.stats"  // periodic snapshots
)
