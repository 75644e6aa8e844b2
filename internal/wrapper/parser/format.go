package parser

// ExtractType returns the type of a stream event. Events with a nested
// message structure report the inner type.
func ExtractType(msg map[string]interface{}) string {
	msgType, _ := msg["type"].(string)
	if msgType == "" {
		return "unknown"
	}

	if msgType == "message" {
		if inner, ok := msg["message"].(map[string]interface{}); ok {
			if innerType, ok := inner["type"].(string); ok && innerType != "" {
				return innerType
			}
		}
		return "text"
	}

	return msgType
}

// FormatForClient normalizes a raw agent stream event into the shape
// websocket clients consume. Unknown event types pass through untouched.
func FormatForClient(msg map[string]interface{}) map[string]interface{} {
	switch ExtractType(msg) {
	case "assistant":
		message, _ := msg["message"].(map[string]interface{})
		if message == nil {
			message = map[string]interface{}{}
		}
		return map[string]interface{}{
			"type":    "assistant",
			"message": message,
		}

	case "tool_use":
		tool := msg["tool"]
		if tool == nil {
			tool = msg["name"]
		}
		input, _ := msg["input"].(map[string]interface{})
		if input == nil {
			input = map[string]interface{}{}
		}
		return map[string]interface{}{
			"type":  "tool_use",
			"tool":  tool,
			"input": input,
		}

	case "result":
		subtype, _ := msg["subtype"].(string)
		if subtype == "" {
			subtype = "success"
		}
		usage, _ := msg["usage"].(map[string]interface{})
		if usage == nil {
			usage = map[string]interface{}{}
		}
		cost, _ := msg["total_cost_usd"].(float64)
		return map[string]interface{}{
			"type":           "result",
			"subtype":        subtype,
			"result":         msg["result"],
			"total_cost_usd": cost,
			"usage":          usage,
			"duration_ms":    msg["duration_ms"],
		}

	default:
		return msg
	}
}
