package sandbox

import (
	"fmt"

	"github.com/jkaninda/kazi/internal/llm"
)

// Build loop tool names.
const (
	toolWriteFile       = "write_file"
	toolRunCommand      = "run_command"
	toolStartService    = "start_service"
	toolProposeFollowup = "propose_followup_workers"
)

// buildTools returns the tool surface offered to the build loop.
func buildTools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        toolWriteFile,
			Description: "Write a file to the sandbox directory on the deployment worker",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "Relative path within sandbox (e.g. server.js, public/index.html)"},
					"content": map[string]any{"type": "string", "description": "Full file content"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        toolRunCommand,
			Description: "Run a bash command in the sandbox directory on the worker (e.g. npm install)",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        toolStartService,
			Description: "Start the application. Kills any existing process on the sandbox port and starts node with the given entry point.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"entry_point": map[string]any{"type": "string", "description": "Main file to run, e.g. server.js"},
				},
				"required": []string{"entry_point"},
			},
		},
		{
			Name:        toolProposeFollowup,
			Description: "Propose worker agents that will simulate real interactions with the deployed app",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"workers": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"id":          map[string]any{"type": "string"},
								"role":        map[string]any{"type": "string"},
								"description": map[string]any{"type": "string"},
								"scenarios": map[string]any{
									"type": "array",
									"items": map[string]any{
										"type": "object",
										"properties": map[string]any{
											"name":        map[string]any{"type": "string"},
											"description": map[string]any{"type": "string"},
											"script":      map[string]any{"type": "string", "description": "Bash script to execute the scenario"},
										},
										"required": []string{"name", "description", "script"},
									},
								},
							},
							"required": []string{"id", "role", "description", "scenarios"},
						},
					},
				},
				"required": []string{"workers"},
			},
		},
	}
}

// buildSystemPrompt renders the build loop's system prompt for one sandbox.
func buildSystemPrompt(id string, port int, workerHost string) string {
	return fmt.Sprintf(`You are a full-stack developer building web applications on demand. IMPORTANT: Keep server.js under 6000 characters. Use concise but functional code.

When given a description, build a complete working application:
1. Use write_file to create all necessary files. Build a Node.js Express server (server.js) that serves static HTML and provides REST APIs. The HTML should be a single index.html with inline CSS and vanilla JS (no build step, no React, no bundler).
2. Use run_command("npm install express") to install dependencies (no package.json needed, just install inline).
3. Use start_service("server.js") to start the app on port %[2]d (always use PORT=%[2]d in server.js: const PORT = process.env.PORT || %[2]d).
4. Use propose_followup_workers with 3 specific worker agents with bash scripts using the real URL http://%[3]s:%[2]d.

Make the apps visually STUNNING with a dark professional UI: dark background (#0a0a0f), colored accents (blue #3b82f6, green #22c55e, amber #f59e0b, red #ef4444), glass-morphism cards, smooth CSS animations, gradients, status indicators. Include real data structures, real API endpoints with proper in-memory state, realistic mock data (names, IDs, timestamps). The frontend should auto-poll APIs every 2-3 seconds for live updates. Use CSS grid/flexbox for professional layouts. Add charts/stats using pure CSS (no charting libs). Aim for a product that looks like it could ship.

CRITICAL CODING RULES to avoid syntax errors:
- NEVER use backtick template literals inside Express res.send() or res.json() HTML strings. Use single-quoted strings or write the HTML to a separate .html file
- For HTML served by Express, always write it to public/index.html via write_file, then use express.static('public'). Never inline large HTML in template literals inside server.js
- When building HTML in JS, use string concatenation (+) not template literals if the HTML contains quotes or complex characters
- Keep server.js under 4000 characters; put all HTML/CSS/JS in public/index.html

If the user sends follow-up requests, iterate on the EXISTING files. Rewrite only what needs to change, keep what works. You have the full conversation history.

Sandbox ID: %[1]s, Port: %[2]d, Worker: %[3]s`, id, port, workerHost)
}
