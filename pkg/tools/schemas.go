package tools

import "github.com/d4l-data4life/go-llm-chat/pkg/llm"

var localTimeSchema = llm.Tool{
	Type: "function",
	Function: llm.ToolFunction{
		Name:        ToolLocalTime,
		Description: "Get the current local date and time. Optionally pass an IANA timezone name.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"timezone": map[string]interface{}{
					"type":        "string",
					"description": "IANA timezone, e.g. Asia/Shanghai. Defaults to the server timezone.",
				},
			},
		},
	},
}

var calculatorSchema = llm.Tool{
	Type: "function",
	Function: llm.ToolFunction{
		Name:        ToolCalculator,
		Description: "Evaluate an arithmetic expression. Supports + - * / % ^ and parentheses.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"expression": map[string]interface{}{
					"type":        "string",
					"description": "The expression to evaluate, e.g. (2+3)*4",
				},
			},
			"required": []string{"expression"},
		},
	},
}

var knowledgeSearchSchema = llm.Tool{
	Type: "function",
	Function: llm.ToolFunction{
		Name:        ToolKnowledgeSearch,
		Description: "Search the user's knowledge bases for content relevant to a query.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query",
				},
				"kb_id": map[string]interface{}{
					"type":        "string",
					"description": "Restrict the search to one knowledge base ID",
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Number of chunks to return, default 3",
				},
			},
			"required": []string{"query"},
		},
	},
}

var webSearchSchema = llm.Tool{
	Type: "function",
	Function: llm.ToolFunction{
		Name:        ToolWebSearch,
		Description: "Search the web for current information.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query",
				},
				"source": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"duckduckgo", "tavily"},
					"description": "Search backend to use",
				},
			},
			"required": []string{"query"},
		},
	},
}
