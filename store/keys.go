package store

import "fmt"

// Keyspace layout (spec §6):
//
//	task:{id}                 -- serialized Task record
//	group:{g}:tasks            -- unordered set of ids (membership)
//	group:{g}:order            -- sorted set scored by arrival time
//	group:{g}:processing       -- unordered set of ids
//	group:{g}:state            -- hash of id -> state name
//	group:{g}:options          -- hash of id -> serialized options
//	group:{g}:data             -- hash of id -> serialized payload
//	group:{g}:method           -- hash of id -> method name
//	group:{g}:stats            -- hash with keys {total,active,completed,failed,paused}
//	events:{kind}              -- pub/sub channel

// TaskKey returns the key holding the serialized Task record for id.
func TaskKey(id string) string {
	return fmt.Sprintf("task:%s", id)
}

// GroupTasksKey returns the membership set key for group g.
func GroupTasksKey(g string) string {
	return fmt.Sprintf("group:%s:tasks", g)
}

// GroupOrderKey returns the arrival-ordered sorted set key for group g.
func GroupOrderKey(g string) string {
	return fmt.Sprintf("group:%s:order", g)
}

// GroupProcessingKey returns the processing set key for group g.
func GroupProcessingKey(g string) string {
	return fmt.Sprintf("group:%s:processing", g)
}

// GroupStateKey returns the id->state hash key for group g.
func GroupStateKey(g string) string {
	return fmt.Sprintf("group:%s:state", g)
}

// GroupOptionsKey returns the id->options hash key for group g.
func GroupOptionsKey(g string) string {
	return fmt.Sprintf("group:%s:options", g)
}

// GroupDataKey returns the id->payload hash key for group g.
func GroupDataKey(g string) string {
	return fmt.Sprintf("group:%s:data", g)
}

// GroupMethodKey returns the id->method hash key for group g.
func GroupMethodKey(g string) string {
	return fmt.Sprintf("group:%s:method", g)
}

// GroupStatsKey returns the cached-stats hash key for group g.
func GroupStatsKey(g string) string {
	return fmt.Sprintf("group:%s:stats", g)
}

// EventChannel returns the pub/sub channel name for an event kind.
func EventChannel(kind string) string {
	return fmt.Sprintf("events:%s", kind)
}

// SyntheticGroup returns the name of the synthetic per-queue group that
// ungrouped tasks on queue q are scheduled under (spec §4.4 "Ungrouped tasks").
func SyntheticGroup(queue string) string {
	return fmt.Sprintf("__queue__:%s", queue)
}

// RegistryIndexKey is the set of every task id ever put, including those
// that reached a terminal state, kept only for observability listing
// (spec §4.2 "list(queue, filter)").
func RegistryIndexKey() string {
	return "registry:tasks"
}

// KnownGroupsKey is the set of every group name the Group Manager has ever
// seen, used by the scheduler to enumerate eligible groups.
func KnownGroupsKey() string {
	return "registry:groups"
}
