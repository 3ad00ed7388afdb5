package bus

// Stable topic names. Consumers match on these with Subscribe patterns such
// as "task.*"; renaming any of them is a breaking change for API stream
// clients.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskRejected  = "task.rejected"
	TopicTaskCancelled = "task.cancelled"
	TopicTaskRecovered = "task.recovered"
	// TopicTaskReassigned reports an operator moving a task between roles.
	TopicTaskReassigned = "task.reassigned"

	TopicAgentStatusChanged = "agent.status_changed"
	TopicAgentText          = "agent.text"
	TopicAgentResult        = "agent.result"

	// TopicRouterDropped reports a completion whose produces entry could not
	// be routed to any role.
	TopicRouterDropped = "router.dropped"

	// TopicBusOverflow reports a subscriber queue dropping its oldest event.
	TopicBusOverflow = "eventbus.overflow"

	// TopicStoreDegraded reports a persistence fault that halted claims.
	TopicStoreDegraded = "store.degraded"
)
