package log

const (
	NamespaceKey = "taskmill"

	WorkflowIDKey     = NamespaceKey + ".workflow.id"
	WorkflowStatusKey = NamespaceKey + ".workflow.status"
	WorkflowNameKey   = NamespaceKey + ".workflow.name"
	ParentIDKey       = NamespaceKey + ".workflow.parent_id"
	CorrelationIDKey  = NamespaceKey + ".workflow.correlation_id"

	TaskIDKey     = NamespaceKey + ".task.id"
	TaskRefKey    = NamespaceKey + ".task.reference_name"
	TaskTypeKey   = NamespaceKey + ".task.type"
	TaskSeqKey    = NamespaceKey + ".task.seq"
	TaskStatusKey = NamespaceKey + ".task.status"

	SubWorkflowIDKey = NamespaceKey + ".task.sub_workflow_id"

	QueueKey   = NamespaceKey + ".queue"
	AttemptKey = NamespaceKey + ".attempt"
)
