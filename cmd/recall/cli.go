package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/mirrormoon/recall/pkg/config"
	"github.com/mirrormoon/recall/pkg/memory"
)

const appName = "recall"

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "recall.json"
	}
	return filepath.Join(home, ".recall", "config.json")
}

func executeCLI() error {
	root := buildRootCommand()
	return root.Execute()
}

func buildRootCommand() *cobra.Command {
	var configPath string
	var showVersion bool

	root := &cobra.Command{
		Use:   "recall",
		Short: "Long-term memory store with layered retrieval for conversational assistants",
		Long: strings.TrimSpace(`recall manages a durable memory store: captured facts, preferences and
events, with versioning, conflict resolution, decay-based retention and
layered retrieval (full-text, fuzzy, tags, vectors, knowledge graph).`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("%s %s\n", appName, version)
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Config file path")
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version")

	root.AddCommand(newInitCommand(&configPath))
	root.AddCommand(newAddCommand(&configPath))
	root.AddCommand(newListCommand(&configPath))
	root.AddCommand(newRetrieveCommand(&configPath))
	root.AddCommand(newUpdateCommand(&configPath))
	root.AddCommand(newDeleteCommand(&configPath))
	root.AddCommand(newVersionsCommand(&configPath))
	root.AddCommand(newRollbackCommand(&configPath))
	root.AddCommand(newConflictsCommand(&configPath))
	root.AddCommand(newResolveCommand(&configPath))
	root.AddCommand(newPersonaCommand(&configPath))
	root.AddCommand(newMaintainCommand(&configPath))
	root.AddCommand(newStatsCommand(&configPath))
	root.AddCommand(newShellCommand(&configPath))

	return root
}

func openService(configPath string) (*memory.Service, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return memory.NewService(cfg)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(data))
}

func newInitCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file",
		Example: "  recall init",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err == nil {
				return fmt.Errorf("config already exists at %s", *configPath)
			}
			if err := config.SaveConfig(*configPath, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", *configPath)
			return nil
		},
	}
}

func newAddCommand(configPath *string) *cobra.Command {
	var persona, memType, source string
	var importance float64
	var pinned bool

	cmd := &cobra.Command{
		Use:     "add <content>",
		Short:   "Add a memory record manually",
		Args:    cobra.ExactArgs(1),
		Example: "  recall add --persona luna --type preference \"用户喜欢喝无糖咖啡\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			outcome, err := svc.UpsertManual(context.Background(), memory.MemoryRecord{
				PersonaID:  persona,
				Content:    args[0],
				MemoryType: memory.MemoryType(memType),
				Source:     source,
				Importance: importance,
				Pinned:     pinned,
			})
			if err != nil {
				return err
			}
			printJSON(outcome)
			return nil
		},
	}
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "Owning persona id (empty = shared)")
	cmd.Flags().StringVarP(&memType, "type", "t", "other", "Memory type: profile|preference|semantic|episodic|task|other")
	cmd.Flags().StringVar(&source, "source", "manual", "Provenance tag")
	cmd.Flags().Float64Var(&importance, "importance", 0.5, "Importance in [0,1]")
	cmd.Flags().BoolVar(&pinned, "pinned", false, "Pin against decay-driven archival")
	return cmd
}

func newListCommand(configPath *string) *cobra.Command {
	var persona, scope, status, memType, query, order string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memory records",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			total, items, err := svc.List(context.Background(), memory.RecordFilter{
				PersonaID:  persona,
				Scope:      memory.ScopeFilter(scope),
				Status:     memory.RecordStatus(status),
				MemoryType: memory.MemoryType(memType),
				Query:      query,
			}, order, limit, offset)
			if err != nil {
				return err
			}
			fmt.Printf("%d total\n", total)
			for _, rec := range items {
				owner := rec.PersonaID
				if owner == "" {
					owner = "shared"
				}
				fmt.Printf("#%d [%s/%s/%s] r=%.2f %s\n", rec.Rowid, owner, rec.MemoryType, rec.Status, rec.Retention, rec.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "Persona id filter")
	cmd.Flags().StringVar(&scope, "scope", "", "Scope filter: persona|shared|all")
	cmd.Flags().StringVar(&status, "status", "", "Status filter: active|archived|deleted")
	cmd.Flags().StringVarP(&memType, "type", "t", "", "Memory type filter")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Free-text substring filter")
	cmd.Flags().StringVar(&order, "order", "", "Order: created|-created|updated|-updated|-importance|retention|-accessed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func newRetrieveCommand(configPath *string) *cobra.Command {
	var persona string
	var limit, maxChars int
	var includeShared, showDebug bool

	cmd := &cobra.Command{
		Use:     "retrieve <query>",
		Short:   "Run layered retrieval and print the prompt addon",
		Args:    cobra.ExactArgs(1),
		Example: "  recall retrieve --persona luna \"咖啡\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.Retrieve(context.Background(), memory.RetrieveOptions{
				PersonaID:     persona,
				Query:         args[0],
				Limit:         limit,
				MaxChars:      maxChars,
				IncludeShared: includeShared,
			})
			if err != nil {
				return err
			}
			fmt.Println(result.Addon)
			if showDebug {
				printJSON(result.Debug)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "Persona id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Max records (0 = default)")
	cmd.Flags().IntVar(&maxChars, "max-chars", 0, "Addon character budget (0 = default)")
	cmd.Flags().BoolVar(&includeShared, "shared", true, "Include shared-scope records")
	cmd.Flags().BoolVarP(&showDebug, "debug", "d", false, "Print per-layer debug info")
	return cmd
}

func newUpdateCommand(configPath *string) *cobra.Command {
	var reason, source string

	cmd := &cobra.Command{
		Use:   "update <rowid> <content>",
		Short: "Rewrite a record's content (appends a version)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rowid, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rowid %q", args[0])
			}
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			rec, err := svc.Update(context.Background(), rowid, args[1], reason, source)
			if err != nil {
				return err
			}
			fmt.Printf("#%d updated: %s\n", rec.Rowid, rec.Content)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual edit", "Reason recorded in the version log")
	cmd.Flags().StringVar(&source, "source", "manual", "Provenance tag")
	return cmd
}

func newDeleteCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rowid>...",
		Short: "Soft-delete records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rowids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid rowid %q", a)
				}
				rowids = append(rowids, id)
			}
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.Delete(context.Background(), memory.Selector{Rowids: rowids})
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d record(s)\n", n)
			return nil
		},
	}
}

func newVersionsCommand(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "versions <rowid>",
		Short: "Show a record's content history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rowid, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rowid %q", args[0])
			}
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			versions, err := svc.ListVersions(context.Background(), rowid, limit)
			if err != nil {
				return err
			}
			for _, v := range versions {
				fmt.Printf("v%d [%s] %s\n  - %s\n  + %s\n", v.ID, v.CreatedAt.Format("2006-01-02 15:04"), v.Reason, v.OldContent, v.NewContent)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Max versions")
	return cmd
}

func newRollbackCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <versionId>",
		Short: "Restore the content a record held before a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version id %q", args[0])
			}
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			rec, err := svc.RollbackVersion(context.Background(), versionID)
			if err != nil {
				return err
			}
			fmt.Printf("#%d rolled back: %s\n", rec.Rowid, rec.Content)
			return nil
		},
	}
}

func newConflictsCommand(configPath *string) *cobra.Command {
	var persona, scope, status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List detected memory conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			total, items, err := svc.ListConflicts(context.Background(), persona, memory.ScopeFilter(scope), status, limit, offset)
			if err != nil {
				return err
			}
			fmt.Printf("%d total\n", total)
			for _, c := range items {
				fmt.Printf("conflict #%d [%s/%s] record #%d\n  base: %s\n  candidate: %s\n", c.ID, c.ConflictType, c.Status, c.MemoryRowid, c.BaseContent, c.CandidateContent)
				if c.SuggestedMerge != "" {
					fmt.Printf("  suggested: %s\n", c.SuggestedMerge)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "Persona id")
	cmd.Flags().StringVar(&scope, "scope", "all", "Scope: persona|shared|all")
	cmd.Flags().StringVar(&status, "status", "open", "Status: open|resolved|ignored (empty = all)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func newResolveCommand(configPath *string) *cobra.Command {
	var merged string

	cmd := &cobra.Command{
		Use:     "resolve <conflictId> <accept|keepBoth|merge|ignore>",
		Short:   "Resolve an open conflict",
		Args:    cobra.ExactArgs(2),
		Example: "  recall resolve 3 merge --merged \"用户只喝无糖咖啡\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conflict id %q", args[0])
			}
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.ResolveConflict(context.Background(), id, memory.ResolveAction(args[1]), merged)
			if err != nil {
				return err
			}
			printJSON(result)
			return nil
		},
	}
	cmd.Flags().StringVar(&merged, "merged", "", "Merged content (required for merge)")
	return cmd
}

func newPersonaCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Manage personas and their capture policies",
	}

	var name, prompt string
	var captureUser, captureAssistant, retrieve bool

	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a persona",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			if name == "" {
				name = args[0]
			}
			p, err := svc.CreatePersona(context.Background(), memory.Persona{
				ID:               args[0],
				Name:             name,
				Prompt:           prompt,
				CaptureEnabled:   true,
				CaptureUser:      captureUser,
				CaptureAssistant: captureAssistant,
				RetrieveEnabled:  retrieve,
			})
			if err != nil {
				return err
			}
			printJSON(p)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Display name (defaults to id)")
	create.Flags().StringVar(&prompt, "prompt", "", "System prompt prefix for retrieval addons")
	create.Flags().BoolVar(&captureUser, "capture-user", true, "Capture user turns")
	create.Flags().BoolVar(&captureAssistant, "capture-assistant", false, "Capture assistant turns")
	create.Flags().BoolVar(&retrieve, "retrieve", true, "Enable retrieval for this persona")

	list := &cobra.Command{
		Use:   "list",
		Short: "List personas",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			personas, err := svc.ListPersonas(context.Background())
			if err != nil {
				return err
			}
			for _, p := range personas {
				fmt.Printf("%s (%s) capture=%t retrieve=%t\n", p.ID, p.Name, p.CaptureEnabled, p.RetrieveEnabled)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one persona",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			p, err := svc.GetPersona(context.Background(), args[0])
			if err != nil {
				return err
			}
			printJSON(p)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a persona (its records move to shared scope)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.DeletePersona(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted persona %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, show, del)
	return cmd
}

func newMaintainCommand(configPath *string) *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:       "maintain <tags|vectors|kg|retention|purge>",
		Short:     "Run one maintenance pass",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"tags", "vectors", "kg", "retention", "purge"},
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := context.Background()
			switch args[0] {
			case "tags":
				report, err := svc.RunTagMaintenance(ctx, batch)
				if err != nil {
					return err
				}
				printJSON(report)
			case "vectors":
				report, err := svc.RunVectorMaintenance(ctx, batch)
				if err != nil {
					return err
				}
				printJSON(report)
			case "kg":
				report, err := svc.RunKGMaintenance(ctx, batch)
				if err != nil {
					return err
				}
				printJSON(report)
			case "retention":
				report, err := svc.RunRetentionMaintenance(ctx)
				if err != nil {
					return err
				}
				printJSON(report)
			case "purge":
				report, err := svc.RunPurgeMaintenance(ctx)
				if err != nil {
					return err
				}
				printJSON(report)
			default:
				return fmt.Errorf("unknown maintenance target %q", args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&batch, "batch", "b", 0, "Batch size (0 = configured default)")
	return cmd
}

func newStatsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store and index coverage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			stats, err := svc.Stats(context.Background())
			if err != nil {
				return err
			}
			printJSON(stats)
			return nil
		},
	}
}

func newShellCommand(configPath *string) *cobra.Command {
	var persona string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive retrieval shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()
			return runShell(svc, persona)
		},
	}
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "Persona id")
	return cmd
}

func runShell(svc *memory.Service, persona string) error {
	fmt.Printf("%s interactive retrieval (Ctrl+C or 'exit' to quit)\n\n", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          appName + "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".recall_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		result, err := svc.Retrieve(context.Background(), memory.RetrieveOptions{
			PersonaID:     persona,
			Query:         input,
			IncludeShared: true,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		if len(result.Records) == 0 {
			fmt.Println("(no matching memories)")
		}
		for i, rec := range result.Records {
			fmt.Printf("%2d. #%d [%s] %s\n", i+1, rec.Rowid, rec.MemoryType, rec.Content)
		}
		for _, layer := range result.Debug.Layers {
			fmt.Printf("    layer %-8s hits=%-3d %dms\n", layer.Layer, layer.Hits, layer.Millis)
		}
		fmt.Println()
	}
}
