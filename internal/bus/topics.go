// Package bus implements the at-least-once publish/subscribe message bus
// and the low-latency key-value store the agent runtime and PAI memory
// hot tier are built on (components B and E), backed by Redis streams and
// Redis's native data structures respectively.
package bus

import "fmt"

// Fixed topic names the core consumes and produces.
const (
	// TopicTaskControl carries {action: pause|resume|cancel, user_id, conversation_id}.
	TopicTaskControl = "agent:task_control"

	// TopicPendingMessages carries {content, user_id, conversation_id}.
	TopicPendingMessages = "agent:pending_messages"

	// TopicResponses carries the union of status/action/message/token/error/
	// plan_update/step_update messages, every one carrying user_id and timestamp.
	TopicResponses = "agent:responses"

	// TopicHeartbeats carries AgentHeartbeat JSON.
	TopicHeartbeats = "agent:heartbeats"

	// TopicStatus carries AgentStatusMessage JSON.
	TopicStatus = "agent:status"

	// TopicToolCalls mirrors in-iteration tool invocations.
	TopicToolCalls = "agent:tool_calls"

	// TopicToolResults mirrors in-iteration tool results.
	TopicToolResults = "agent:tool_results"
)

// AgentTasksTopic returns the per-agent-type task dispatch topic,
// "agent:<type>:tasks".
func AgentTasksTopic(agentType string) string {
	return fmt.Sprintf("agent:%s:tasks", agentType)
}

// TaskProgressTopic returns the per-task progress topic, "task:<id>:progress".
func TaskProgressTopic(taskID string) string {
	return fmt.Sprintf("task:%s:progress", taskID)
}

// TaskResponseTopic returns the per-task response topic, "task:<id>:response".
func TaskResponseTopic(taskID string) string {
	return fmt.Sprintf("task:%s:response", taskID)
}

// HeartbeatKey returns the key-value key a running agent's heartbeat is
// written to: "agent:heartbeat:<name>".
func HeartbeatKey(agentName string) string {
	return fmt.Sprintf("agent:heartbeat:%s", agentName)
}

// TaskTraceKey returns the key a single phase trace for a task is stored
// at: "task:<id>:trace:<phase>".
func TaskTraceKey(taskID, phase string) string {
	return fmt.Sprintf("task:%s:trace:%s", taskID, phase)
}

// TaskTracesListKey returns the key of the list of trace keys recorded for
// a task: "task:<id>:traces".
func TaskTracesListKey(taskID string) string {
	return fmt.Sprintf("task:%s:traces", taskID)
}
