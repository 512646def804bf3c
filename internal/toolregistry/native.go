package toolregistry

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// Native tool names. The router maps each to its handler; everything else
// resolves through the backend catalogs.
const (
	ToolRegisterAgent          = "register_agent"
	ToolUnregisterAgent        = "unregister_agent"
	ToolHeartbeat              = "heartbeat"
	ToolCreateTask             = "create_task"
	ToolCreateCrossTask        = "create_cross_codebase_task"
	ToolGetNextTask            = "get_next_task"
	ToolCompleteTask           = "complete_task"
	ToolGetTaskBoard           = "get_task_board"
	ToolRegisterCodebase       = "register_codebase"
	ToolAddCodebaseDependency  = "add_codebase_dependency"
	ToolListCodebases          = "list_codebases"
	ToolGetCodebaseStatus      = "get_codebase_status"
)

// nativeTools builds the descriptors for the coordinator's own tools.
func nativeTools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(ToolRegisterAgent,
			mcp.WithDescription("Register an agent with the coordinator. Returns the agent id and a session token for subsequent calls."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Human-readable agent name, e.g. CoderBlueKoala"),
			),
			mcp.WithArray("capabilities",
				mcp.Required(),
				mcp.Description("Capability tags such as coding or testing"),
			),
			mcp.WithString("codebase_id",
				mcp.Description("Home codebase of the agent"),
			),
			mcp.WithBoolean("cross_codebase_capable",
				mcp.Description("Whether the agent may take tasks outside its home codebase"),
			),
		),
		mcp.NewTool(ToolUnregisterAgent,
			mcp.WithDescription("Remove an agent and revoke its session."),
			mcp.WithString("agent_id", mcp.Required()),
		),
		mcp.NewTool(ToolHeartbeat,
			mcp.WithDescription("Refresh an agent's liveness timestamp."),
			mcp.WithString("agent_id", mcp.Required()),
		),
		mcp.NewTool(ToolCreateTask,
			mcp.WithDescription("Create a task. The coordinator assigns it to a matching agent when one is available."),
			mcp.WithString("title", mcp.Required()),
			mcp.WithString("description"),
			mcp.WithString("priority",
				mcp.Description("One of: low, normal, high, urgent. Defaults to normal."),
			),
			mcp.WithArray("required_capabilities",
				mcp.Description("Capabilities the assignee must have"),
			),
			mcp.WithString("codebase_id",
				mcp.Description("Codebase the task belongs to"),
			),
			mcp.WithArray("file_paths",
				mcp.Description("Files the task touches; used for exclusive lock arbitration"),
			),
		),
		mcp.NewTool(ToolCreateCrossTask,
			mcp.WithDescription("Create one logical task decomposed into sibling tasks across codebases."),
			mcp.WithString("title", mcp.Required()),
			mcp.WithString("description"),
			mcp.WithString("primary_codebase_id", mcp.Required()),
			mcp.WithArray("affected_codebases", mcp.Required()),
			mcp.WithString("strategy",
				mcp.Required(),
				mcp.Description("sequential gates dependents on the primary; parallel releases all at once"),
			),
		),
		mcp.NewTool(ToolGetNextTask,
			mcp.WithDescription("Fetch the agent's task in progress, starting the head of its inbox if idle."),
			mcp.WithString("agent_id", mcp.Required()),
		),
		mcp.NewTool(ToolCompleteTask,
			mcp.WithDescription("Complete the agent's current task and release its file locks."),
			mcp.WithString("agent_id", mcp.Required()),
			mcp.WithString("result"),
		),
		mcp.NewTool(ToolGetTaskBoard,
			mcp.WithDescription("Snapshot of all agents, their current tasks and counters, and the pending queue."),
		),
		mcp.NewTool(ToolRegisterCodebase,
			mcp.WithDescription("Register a codebase by id and workspace path."),
			mcp.WithString("id", mcp.Required()),
			mcp.WithString("name", mcp.Required()),
			mcp.WithString("workspace_path", mcp.Required()),
			mcp.WithString("description"),
			mcp.WithObject("metadata"),
		),
		mcp.NewTool(ToolAddCodebaseDependency,
			mcp.WithDescription("Record a directed dependency edge between two registered codebases."),
			mcp.WithString("source_codebase_id", mcp.Required()),
			mcp.WithString("target_codebase_id", mcp.Required()),
			mcp.WithString("dependency_type", mcp.Required()),
			mcp.WithObject("metadata"),
		),
		mcp.NewTool(ToolListCodebases,
			mcp.WithDescription("List all registered codebases and their dependency edges."),
		),
		mcp.NewTool(ToolGetCodebaseStatus,
			mcp.WithDescription("Status of one codebase: registration info, dependencies, and resident agents."),
			mcp.WithString("codebase_id", mcp.Required()),
		),
	}
}
