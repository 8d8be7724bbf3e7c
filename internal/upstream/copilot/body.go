package copilot

import (
	"github.com/tidwall/gjson"
)

// BodyKind tags the request shapes the dispatcher understands.
type BodyKind string

const (
	BodyUnknown      BodyKind = "unknown"
	BodyChatMessages BodyKind = "chat-message-array"
	BodyInputItems   BodyKind = "input-item-array"
)

// Initiator classifies who triggered a workload call. Advisory only.
type Initiator string

const (
	InitiatorUser  Initiator = "user"
	InitiatorAgent Initiator = "agent"
)

// BodyInfo is what the dispatcher learns from a request body.
type BodyInfo struct {
	Kind      BodyKind
	Vision    bool
	Initiator Initiator
}

// InspectBody classifies raw. Anything unrecognised is BodyUnknown with the
// conservative defaults: no vision, user initiated.
func InspectBody(raw []byte) BodyInfo {
	info := BodyInfo{Kind: BodyUnknown, Initiator: InitiatorUser}
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return info
	}
	root := gjson.ParseBytes(raw)
	if msgs := root.Get("messages"); msgs.IsArray() {
		info.Kind = BodyChatMessages
		items := msgs.Array()
		info.Vision = anyPartOfType(items, "image_url")
		if n := len(items); n > 0 && isAgentChatMessage(items[n-1]) {
			info.Initiator = InitiatorAgent
		}
		return info
	}
	if input := root.Get("input"); input.IsArray() {
		info.Kind = BodyInputItems
		items := input.Array()
		info.Vision = anyPartOfType(items, "input_image")
		if n := len(items); n > 0 && isAgentInputItem(items[n-1]) {
			info.Initiator = InitiatorAgent
		}
		return info
	}
	return info
}

func anyPartOfType(items []gjson.Result, partType string) bool {
	for _, item := range items {
		if item.Get("type").String() == partType {
			return true
		}
		content := item.Get("content")
		if !content.IsArray() {
			continue
		}
		for _, part := range content.Array() {
			if part.Get("type").String() == partType {
				return true
			}
		}
	}
	return false
}

func isAgentChatMessage(msg gjson.Result) bool {
	switch msg.Get("role").String() {
	case "assistant", "tool", "function":
		return true
	}
	return false
}

func isAgentInputItem(item gjson.Result) bool {
	if item.Get("role").String() == "assistant" {
		return true
	}
	switch item.Get("type").String() {
	case "function_call", "function_call_output", "reasoning":
		return true
	}
	return false
}
