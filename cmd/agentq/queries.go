package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/colebrumley/agentq/internal/api"
	"github.com/colebrumley/agentq/internal/conversation"
	"github.com/colebrumley/agentq/internal/query"
	"github.com/colebrumley/agentq/internal/template"
	"github.com/spf13/cobra"
)

type listFlags struct {
	Category string
	Search   string
	Limit    int
	Cursor   string
	Promoted string
}

func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Category, "category", "", "Only agents in this category")
	cmd.Flags().StringVarP(&f.Search, "search", "s", "", "Free-text filter")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 0, "Page size")
	cmd.Flags().StringVar(&f.Cursor, "cursor", "", "Cursor from a previous next_cursor")
	cmd.Flags().StringVar(&f.Promoted, "promoted", "", "Filter on promotion: true or false")
}

func (f *listFlags) params() (api.AgentListParams, error) {
	p := api.AgentListParams{Category: f.Category, Search: f.Search, Limit: f.Limit, Cursor: f.Cursor}
	switch f.Promoted {
	case "":
	case "true":
		p.Promoted = &[]bool{true}[0]
	case "false":
		p.Promoted = &[]bool{false}[0]
	default:
		return p, fmt.Errorf("--promoted must be true or false, got %q", f.Promoted)
	}
	return p, nil
}

func newAgentsCmd(opts *rootOptions) *cobra.Command {
	var flags listFlags

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := flags.params()
			if err != nil {
				return err
			}
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.Agents.ListAgents(params).Get(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	return cmd
}

func newAgentCmd(opts *rootOptions) *cobra.Command {
	var expanded bool

	cmd := &cobra.Command{
		Use:   "agent <id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if expanded {
				agent, err := a.Agents.ExpandedAgent(args[0]).Get(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), agent)
			}
			agent, err := a.Agents.Agent(args[0]).Get(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}
	cmd.Flags().BoolVarP(&expanded, "expanded", "x", false, "Include tool resources and actions")
	return cmd
}

func newToolsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List tools available to agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tools, err := a.Agents.AvailableTools().Get(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tools)
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status <conversation-id>",
		Short: "Show whether a generation is running in a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			q := a.Agents.ActiveRunStatus(args[0])
			if !watch {
				st, err := q.Get(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			}

			// Print every change until the run finishes.
			out := cmd.OutOrStdout()
			unsubscribe := q.Subscribe(func(st query.State[api.ActiveJobStatus]) {
				if st.Fetching || !st.HasData {
					return
				}
				fmt.Fprintf(out, "%s active=%t\n", st.UpdatedAt.Format(time.RFC3339), st.Data.Active)
			})
			defer unsubscribe()
			return q.Poll(cmd.Context())
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the run finishes")
	return cmd
}

func newCategoriesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List agent categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			cats, err := a.Agents.Categories().Get(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cats)
		},
	}
}

func newMarketplaceCmd(opts *rootOptions) *cobra.Command {
	var flags listFlags
	var all bool

	cmd := &cobra.Command{
		Use:   "marketplace",
		Short: "Browse marketplace agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := flags.params()
			if err != nil {
				return err
			}
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			mq := a.Agents.MarketplaceAgents(params)
			if _, err := mq.Get(cmd.Context()); err != nil {
				return err
			}
			for all && mq.HasNextPage() {
				if _, err := mq.FetchNextPage(cmd.Context()); err != nil && !errors.Is(err, query.ErrPagesChanged) {
					return err
				}
			}

			var agents []api.Agent
			for _, page := range mq.Pages() {
				agents = append(agents, page.Data...)
			}
			pages := mq.Pages()
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"data":        agents,
				"next_cursor": pages[len(pages)-1].NextCursor(),
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Fetch every page")
	return cmd
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var category string
	var limit int

	cmd := &cobra.Command{
		Use:   "search [terms]",
		Short: "Search agents seen in earlier listings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Catalog == nil {
				return errors.New("catalog is disabled; set catalog.enabled in the config")
			}

			var terms string
			if len(args) == 1 {
				terms = args[0]
			}
			entries, err := a.Catalog.Search(terms, category, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only agents in this category")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of results")
	return cmd
}

func newExpandCmd() *cobra.Command {
	var user string
	var files []string

	cmd := &cobra.Command{
		Use:   "expand [text]",
		Short: "Replace {{variables}} in prompt text (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			vars := template.Vars{}
			if user != "" {
				vars.User = &template.User{Name: user}
			}
			for _, f := range files {
				vars.Files = append(vars.Files, template.File{Filename: f, Filepath: f, Source: "local"})
			}
			fmt.Fprintln(cmd.OutOrStdout(), template.ReplaceSpecialVars(text, vars))
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", os.Getenv("USER"), "Value for {{current_user}}")
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "Attachment listed by {{attached_files}}")
	return cmd
}

func newParseCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "parse [json]",
		Short: "Normalize conversation settings (reads stdin without an argument)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			conv := conversation.Parse(conversation.Endpoint(endpoint), []byte(raw))
			if conv == nil {
				return errors.New("input is not a JSON object")
			}
			return printJSON(cmd.OutOrStdout(), conv)
		},
	}
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "Endpoint used when the conversation names none")
	return cmd
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}
