package inbox_tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxrank/internal/broker"
	"github.com/teemow/inboxrank/internal/gmail"
	"github.com/teemow/inboxrank/internal/inbox"
	"github.com/teemow/inboxrank/internal/server"
	"github.com/teemow/inboxrank/internal/session"
	"github.com/teemow/inboxrank/internal/tools/batch"
	"github.com/teemow/inboxrank/internal/tools/common"
)

// Tool names.
const (
	ToolAuthURL      = "inbox_auth_url"
	ToolSaveAuthCode = "inbox_save_auth_code"
	ToolAuthStatus   = "inbox_auth_status"
	ToolRankEmails   = "inbox_rank_emails"
	ToolSignOut      = "inbox_sign_out"
)

// RegisterInboxTools registers the inbox tools with the MCP server.
func RegisterInboxTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	if sc.Service() == nil {
		return errors.New("inbox tools need a service")
	}

	authURLTool := mcp.NewTool(ToolAuthURL,
		mcp.WithDescription("Get the URL that signs a Google account in for read-only Gmail access"),
	)
	s.AddTool(authURLTool, common.InstrumentedToolHandler(ToolAuthURL, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleAuthURL(ctx, request, sc)
		}))

	saveAuthCodeTool := mcp.NewTool(ToolSaveAuthCode,
		mcp.WithDescription("Complete sign in with the authorization code shown by Google after consent"),
		mcp.WithString("authCode",
			mcp.Required(),
			mcp.Description("The authorization code from Google OAuth"),
		),
	)
	s.AddTool(saveAuthCodeTool, common.InstrumentedToolHandler(ToolSaveAuthCode, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleSaveAuthCode(ctx, request, sc)
		}))

	authStatusTool := mcp.NewTool(ToolAuthStatus,
		mcp.WithDescription("List the signed in accounts, or check whether one account is signed in"),
		mcp.WithString("account",
			mcp.Description("Email address of the account to check"),
		),
	)
	s.AddTool(authStatusTool, common.InstrumentedToolHandler(ToolAuthStatus, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleAuthStatus(ctx, request, sc)
		}))

	rankTool := mcp.NewTool(ToolRankEmails,
		mcp.WithDescription("Fetch the newest Gmail messages of an account and rank them by priority, category, urgency and risk"),
		mcp.WithString("account",
			mcp.Description("Email address of the account. Optional when only one account is signed in."),
		),
		mcp.WithNumber("maxResults",
			mcp.Description(fmt.Sprintf("How many recent messages to fetch (default: %d, max: %d)", inbox.DefaultMaxResults, inbox.MaxMaxResults)),
		),
		mcp.WithNumber("hours",
			mcp.Description("Only keep messages from the last N hours (default: 24)"),
		),
		mcp.WithNumber("topN",
			mcp.Description("Only return the N highest priority messages (default: all, in mailbox order)"),
		),
	)
	s.AddTool(rankTool, common.InstrumentedToolHandler(ToolRankEmails, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleRankEmails(ctx, request, sc)
		}))

	signOutTool := mcp.NewTool(ToolSignOut,
		mcp.WithDescription("Revoke the stored credential of one or more accounts at Google and forget it"),
		mcp.WithArray("accounts",
			mcp.Required(),
			mcp.Description("Email address or array of email addresses to sign out"),
			mcp.WithStringItems(),
		),
	)
	s.AddTool(signOutTool, common.InstrumentedToolHandler(ToolSignOut, sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleSignOut(ctx, request, sc)
		}))

	return nil
}

func handleAuthURL(_ context.Context, _ mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	state, err := session.GenerateID()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create login state: %v", err)), nil
	}

	result := fmt.Sprintf(`To sign a Google account in for read-only Gmail access:

1. Visit this URL in your browser:
   %s

2. Sign in with your Google account
3. Grant access
4. Copy the authorization code

5. Call the %s tool with the code to complete sign in`, sc.Service().AuthURL(state), ToolSaveAuthCode)

	return mcp.NewToolResultText(result), nil
}

func handleSaveAuthCode(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	authCode, ok := request.GetArguments()["authCode"].(string)
	if !ok || authCode == "" {
		return mcp.NewToolResultError("authCode is required"), nil
	}

	identity, err := sc.Service().Login(ctx, authCode)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to save authorization code: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Signed in as %s. You can now call %s.", identity, ToolRankEmails)), nil
}

// AuthStatus is the result of inbox_auth_status.
type AuthStatus struct {
	Accounts []string `json:"accounts"`
	Account  string   `json:"account,omitempty"`
	LoggedIn *bool    `json:"logged_in,omitempty"`
}

func handleAuthStatus(_ context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	status := AuthStatus{Accounts: sc.Service().Accounts()}
	if status.Accounts == nil {
		status.Accounts = []string{}
	}
	if account := common.AccountArg(request.GetArguments()); account != "" {
		loggedIn := sc.Service().HasCredential(account)
		status.Account = account
		status.LoggedIn = &loggedIn
	}
	return jsonResult(status)
}

func handleRankEmails(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	var (
		opts inbox.Options
		err  error
	)
	if opts.MaxResults, err = common.IntArg(args, "maxResults"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hours, err := common.IntArg(args, "hours")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if opts.Window, err = inbox.WindowHours(hours); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if opts.TopN, err = common.IntArg(args, "topN"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	account, err := common.ResolveAccount(args, sc.Service().Accounts())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := sc.Service().RankForIdentity(ctx, account, opts)
	if err != nil {
		return mcp.NewToolResultError(rankErrorMessage(account, err)), nil
	}
	return jsonResult(res)
}

func handleSignOut(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	requested, err := batch.ParseStringOrArray(request.GetArguments()["accounts"], "accounts")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	signedIn := sc.Service().Accounts()
	results := batch.ProcessBatch(ctx, requested, func(ctx context.Context, account string) (string, error) {
		identity, err := common.ResolveAccount(map[string]any{"account": account}, signedIn)
		if err != nil {
			return "", err
		}
		if err := sc.Service().Revoke(ctx, identity); err != nil {
			return "", err
		}
		return "signed out " + identity, nil
	})
	return mcp.NewToolResultText(batch.FormatResults(results)), nil
}

func rankErrorMessage(account string, err error) string {
	if errors.Is(err, broker.ErrAuthRequired) || errors.Is(err, broker.ErrNotRenewable) ||
		errors.Is(err, gmail.ErrCredentialExpired) {
		return fmt.Sprintf("The credential for %s is missing or no longer accepted (%v). Sign in again with %s.",
			account, err, ToolAuthURL)
	}
	return fmt.Sprintf("Failed to rank emails for %s: %v", account, err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
