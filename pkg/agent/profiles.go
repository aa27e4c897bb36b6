package agent

// SandboxAccess constrains which tools a profile may call.
type SandboxAccess string

const (
	SandboxNone      SandboxAccess = "none"
	SandboxRead      SandboxAccess = "read"
	SandboxReadWrite SandboxAccess = "read_write"
)

// Profile is a named agent role with its prompt and tool allowlist.
type Profile struct {
	Role          string
	Name          string
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	SandboxAccess SandboxAccess
	AllowedTools  []string
}

var readTools = []string{"read_file", "search_files"}
var readWriteTools = []string{"shell", "read_file", "write_file", "search_files", "patch_file"}

// Profiles is the fixed role table. sandbox_access decides the tool
// allowlist intersected with the registry at turn time.
var Profiles = map[string]*Profile{
	"coder": {
		Role: "coder",
		Name: "Coder Agent",
		SystemPrompt: "You are a strict, rigorous expert programmer. " +
			"You write clean, efficient, well-documented code. " +
			"You have full read-write access to the sandbox. " +
			"Respond ONLY with runnable code; no prose outside code comments.",
		Temperature:   0.3,
		MaxTokens:     4096,
		SandboxAccess: SandboxReadWrite,
		AllowedTools:  readWriteTools,
	},
	"reviewer": {
		Role: "reviewer",
		Name: "Reviewer Agent",
		SystemPrompt: "You are an expert in code security and quality. " +
			"Analyze the supplied code for: security flaws (injection, XSS, SSRF), " +
			"logic bugs and unhandled edge cases, performance problems, and " +
			"violations of best practice. You have READ-ONLY sandbox access. " +
			"Respond with a structured list of findings ranked CRITICAL / MAJOR / MINOR. " +
			"If the code is acceptable, respond exactly: APPROVED. " +
			"You may include one directive ROUTE:security or ROUTE:tester to " +
			"request a specialist pass.",
		Temperature:   0.2,
		MaxTokens:     2048,
		SandboxAccess: SandboxRead,
		AllowedTools:  readTools,
	},
	"critic": {
		Role: "critic",
		Name: "Critic Agent",
		SystemPrompt: "You are a hostile validator. Inspect the approved artifact for " +
			"hallucinations, logic errors, security flaws, missed edge cases, and " +
			"requirement omissions. Respond exactly VALID if it withstands scrutiny, " +
			"otherwise REJECTED:<one-line reason>.",
		Temperature:   0.2,
		MaxTokens:     1024,
		SandboxAccess: SandboxNone,
	},
	"planner": {
		Role: "planner",
		Name: "Planner Agent",
		SystemPrompt: "You are a software architect. Decompose complex tasks into " +
			"clear steps with validation criteria. Identify risks and dependencies. " +
			"You do not execute anything.",
		Temperature:   0.4,
		MaxTokens:     2048,
		SandboxAccess: SandboxNone,
	},
	"tester": {
		Role: "tester",
		Name: "Tester Agent",
		SystemPrompt: "You are an expert in software testing. Write exhaustive unit " +
			"and integration tests covering nominal cases, edge cases, and error paths. " +
			"You have full read-write access to the sandbox.",
		Temperature:   0.3,
		MaxTokens:     4096,
		SandboxAccess: SandboxReadWrite,
		AllowedTools:  readWriteTools,
	},
	"researcher": {
		Role: "researcher",
		Name: "Researcher Agent",
		SystemPrompt: "You are a specialized research agent. You analyze questions, " +
			"decompose problems, and provide detailed analysis with sources. " +
			"You do not execute code; you provide information.",
		Temperature:   0.5,
		MaxTokens:     3072,
		SandboxAccess: SandboxNone,
	},
	"security": {
		Role: "security",
		Name: "Security Agent",
		SystemPrompt: "You are an application security specialist. Audit the supplied " +
			"code for injection, unsafe deserialization, path traversal, secrets " +
			"handling, and privilege issues. You have READ-ONLY sandbox access. " +
			"Report concrete findings with the vulnerable lines and a fix for each.",
		Temperature:   0.2,
		MaxTokens:     2048,
		SandboxAccess: SandboxRead,
		AllowedTools:  readTools,
	},
}

// LookupProfile returns the profile for a role, or nil.
func LookupProfile(role string) *Profile {
	return Profiles[role]
}
