package ai

import (
	"context"
	"log"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino/components/tool"
)

func initToolsChain() []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := initWebSearch(); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

func initWebSearch() tool.InvokableTool {
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search",
		ToolDesc:   "Search the web for current information (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), duckConfig)
	if err != nil {
		log.Printf("web search tool disabled: %v", err)
		return nil
	}
	return duckTool
}
