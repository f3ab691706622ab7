package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxrank/internal/inbox"
	"github.com/teemow/inboxrank/internal/server"
)

// AccountsURI lists the signed in accounts.
const AccountsURI = "inbox://accounts"

// AccountsData is the body of the accounts resource.
type AccountsData struct {
	Accounts []string `json:"accounts"`
	Count    int      `json:"count"`
	// Defaults are the ranking defaults applied when a tool call leaves an
	// argument out.
	Defaults RankDefaults `json:"defaults"`
}

// RankDefaults mirrors the inbox ranking defaults.
type RankDefaults struct {
	MaxResults    int `json:"maxResults"`
	MaxMaxResults int `json:"maxMaxResults"`
	Hours         int `json:"hours"`
}

// RegisterUserResources registers the read-only account resources.
func RegisterUserResources(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	if sc.Service() == nil {
		return fmt.Errorf("resources need a service")
	}

	accountsResource := mcp.NewResource(
		AccountsURI,
		"Signed In Accounts",
		mcp.WithResourceDescription("Google accounts with a stored credential that the inbox tools can read"),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(accountsResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return handleAccounts(ctx, request, sc)
	})

	return nil
}

func handleAccounts(_ context.Context, request mcp.ReadResourceRequest, sc *server.ServerContext) ([]mcp.ResourceContents, error) {
	accounts := sc.Service().Accounts()
	if accounts == nil {
		accounts = []string{}
	}

	data := AccountsData{
		Accounts: accounts,
		Count:    len(accounts),
		Defaults: RankDefaults{
			MaxResults:    inbox.DefaultMaxResults,
			MaxMaxResults: inbox.MaxMaxResults,
			Hours:         int(inbox.DefaultWindow.Hours()),
		},
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal accounts: %w", err)
	}

	return []mcp.ResourceContents{
		&mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(jsonData),
		},
	}, nil
}
