package llm

import "testing"

func TestMessageTextContent(t *testing.T) {
	plain := Message{Role: RoleUser, Content: "just text"}
	if got := plain.TextContent(); got != "just text" {
		t.Errorf("TextContent = %q, want plain content", got)
	}

	structured := Message{Role: RoleAssistant, ContentBlocks: []ContentBlock{
		TextBlock("first "),
		ToolUseBlock("tu-1", "write_file", map[string]any{"path": "a"}),
		TextBlock("second"),
	}}
	if got := structured.TextContent(); got != "first second" {
		t.Errorf("TextContent = %q, want concatenated text blocks", got)
	}
}

func TestResponseToolUse(t *testing.T) {
	resp := &Response{
		ContentBlocks: []ContentBlock{
			TextBlock("running a command"),
			ToolUseBlock("tu-1", "run_command", map[string]any{"command": "ls"}),
			ToolUseBlock("tu-2", "write_file", nil),
		},
		StopReason: "tool_use",
	}
	if !resp.HasToolUse() {
		t.Error("HasToolUse = false, want true for tool_use stop reason")
	}
	blocks := resp.ToolUseBlocks()
	if len(blocks) != 2 || blocks[0].ID != "tu-1" || blocks[1].Name != "write_file" {
		t.Errorf("ToolUseBlocks = %+v", blocks)
	}

	done := &Response{ContentBlocks: []ContentBlock{TextBlock("done")}, StopReason: "end_turn"}
	if done.HasToolUse() {
		t.Error("HasToolUse = true for end_turn")
	}
	if got := done.ToolUseBlocks(); len(got) != 0 {
		t.Errorf("ToolUseBlocks = %+v, want none", got)
	}
}
