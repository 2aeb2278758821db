package agent

import (
	"testing"

	"github.com/nugget/tadpole/internal/llm"
)

func TestConversation_SetSystem(t *testing.T) {
	c := NewConversation("conv-1")
	c.append(llm.Message{Role: llm.RoleUser, Content: "hi"})

	if _, ok := c.SystemMessage(); ok {
		t.Fatal("new conversation should have no system message")
	}
	if !c.setSystem("v1") {
		t.Fatal("first setSystem should report a change")
	}
	if c.setSystem("v1") {
		t.Error("identical content should not be reinserted")
	}
	c.setSystem("v2")

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != "v2" {
		t.Errorf("index 0 = %+v", msgs[0])
	}
	if msgs[1].Content != "hi" {
		t.Errorf("index 1 = %+v", msgs[1])
	}
}

func TestConversation_DiagnosticIsNotSystemSlot(t *testing.T) {
	c := NewConversation("conv-2")
	c.append(llm.Message{Role: llm.RoleSystem, Content: "boom", Diagnostic: true})
	if _, ok := c.SystemMessage(); ok {
		t.Error("a diagnostic must not count as the system message")
	}
	c.setSystem("prompt")
	msgs := c.Messages()
	if len(msgs) != 2 || msgs[0].Content != "prompt" || !msgs[1].Diagnostic {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestConversation_MessagesIsACopy(t *testing.T) {
	c := NewConversation("conv-3")
	c.append(llm.Message{Role: llm.RoleUser, Content: "original"})
	msgs := c.Messages()
	msgs[0].Content = "changed"
	if c.Messages()[0].Content != "original" {
		t.Error("Messages should return a copy")
	}
	if c.ID() != "conv-3" || c.Len() != 1 {
		t.Errorf("ID = %q Len = %d", c.ID(), c.Len())
	}
}
