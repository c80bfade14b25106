package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"studioline/internal/app"
	"studioline/internal/brain"
	"studioline/internal/config"
	"studioline/internal/db"
	"studioline/internal/domain"
	"studioline/internal/engine"
	"studioline/internal/migrate"
	"studioline/internal/repo"
	"studioline/internal/server"
	"studioline/internal/skill"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Studioline CLI",
	Long: `Studioline orchestrates production planning agents for a studio project.
Core concepts:
- Workspace: your .studioline directory holding only the database; configs live in the DB.
- Project: the production being planned; it owns elements, tasks, materials and the brain.
- Step: one controller turn ('sl step "..."') that routes your message to a skill and
  stops for questions, approval of a change set, or suggestions.
- Sessions: structured question rounds; answer a whole turn at once ('sl session answer').
- Change sets: staged mutations a planner skill proposed; apply or reject exactly once.
- Brain: versioned project memory updated through logged events and patch ops.
- Event log: diary of everything that happened, view with 'sl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STUDIOLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides single-project default)")
	rootCmd.PersistentFlags().String("conversation", "default", "conversation id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("conversation", rootCmd.PersistentFlags().Lookup("conversation"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(pinsCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(changesetCmd())
	rootCmd.AddCommand(brainCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(skillCmd())
	rootCmd.AddCommand(suggestionsCmd())
	rootCmd.AddCommand(companionsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectFlagCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg, newGenerationClient())
			p, err := e.InitProject(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			if err := e.Repo.UpsertProjectConfig(cmd.Context(), id, cfg); err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "STUDIOLINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set STUDIOLINE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectFlagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag <name> <true|false>",
		Short: "Set a project flag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			value := args[1] == "true"
			if args[1] != "true" && args[1] != "false" {
				return fmt.Errorf("flag value must be true or false")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetProjectFlag(ctx, e.Config.Project.ID, name, value); err != nil {
					return err
				}
				flags, err := e.Repo.ProjectFlags(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(flags)
			})
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigValidateCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The scoreboard for your production: active session, pending change sets, and brain version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				pending, err := e.Repo.ListChangeSets(ctx, repo.ChangeSetFilters{ProjectID: projectID, Status: "pending"})
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":          p.ID,
					"status":              p.Status,
					"pending_change_sets": len(pending),
				}
				if s, err := e.Repo.LatestSession(ctx, projectID); err == nil {
					out["session"] = map[string]any{"id": s.ID, "stage": s.Stage, "status": s.Status}
				} else if err != repo.ErrNotFound {
					return err
				}
				if b, err := e.Repo.GetBrain(ctx, projectID); err == nil {
					out["brain_version"] = b.Version
				} else if err != repo.ErrNotFound {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				if s, ok := out["session"].(map[string]any); ok {
					fmt.Printf("Session: %s [%s] (%s)\n", s["id"], s["stage"], s["status"])
				} else {
					fmt.Println("Session: none")
				}
				fmt.Printf("Pending change sets: %d\n", len(pending))
				if v, ok := out["brain_version"]; ok {
					fmt.Printf("Brain version: %d\n", v)
				}
				return nil
			})
		},
	}
	return cmd
}

func stepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step <message>",
		Short: "Run one controller step",
		Long:  "Sends your message through the controller: route to a skill, invoke it, and stop for questions, approval, or suggestions as the output dictates.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.TrimSpace(args[0])
			if message == "" {
				return fmt.Errorf("message is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Step(ctx, engine.StepOptions{
					ProjectID:      e.Config.Project.ID,
					ConversationID: viper.GetString("conversation"),
					UserMessage:    message,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Outcome: %s (skill %s, stage %s)\n", res.Outcome, res.SkillKey, res.Stage)
				switch {
				case res.Turn != nil:
					questions, _ := turnQuestions(*res.Turn)
					fmt.Printf("Session %s, turn %d:\n", res.Session.ID, res.Turn.TurnNumber)
					for _, q := range questions {
						fmt.Printf("  [%s] %s\n", q.ID, q.Question)
					}
					fmt.Printf("Answer with: sl session answer %s %d --quick <id>=<value>\n", res.Session.ID, res.Turn.TurnNumber)
				case res.ChangeSet != nil:
					fmt.Printf("Change set %s (%s) awaits a decision:\n", res.ChangeSet.ID, res.ChangeSet.Title)
					for _, op := range res.ChangeSet.Ops {
						fmt.Printf("  %s %s %s\n", op.OpType, op.EntityType, op.PayloadJSON)
					}
					fmt.Printf("Decide with: sl changeset apply %s (or reject)\n", res.ChangeSet.ID)
				case res.SuggestionSet != nil:
					fmt.Println("Suggestions:")
					for _, s := range res.SuggestionSet.Suggestions {
						fmt.Printf("  %d. %s (%s)\n", s.Rank, s.Title, s.SkillKey)
					}
				case res.Error != "":
					fmt.Printf("Step failed: %s\n", res.Error)
				}
				return nil
			})
		},
	}
	return cmd
}

func pinsCmd() *cobra.Command {
	var opts engine.PinOptions
	cmd := &cobra.Command{
		Use:   "pins",
		Short: "Set workspace pins",
		Long:  "Pin a stage, skill, or channel for the conversation. Pinned skills bypass routing; 'auto' clears a pin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.SetPins(ctx, e.Config.Project.ID, viper.GetString("conversation"), opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "pin stage ('auto' clears)")
	cmd.Flags().StringVar(&opts.Skill, "skill", "", "pin skill ('auto' clears)")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "pin channel ('auto' clears)")
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage question sessions",
		Long:  "Question sessions collect structured answers turn by turn. A turn is answered whole; answered turns produce a content-addressed bundle.",
	}
	s.AddCommand(sessionLatestCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionAnswerCmd())
	s.AddCommand(sessionSkipCmd())
	s.AddCommand(sessionArchiveCmd())
	s.AddCommand(sessionBundleCmd())
	return s
}

func sessionLatestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show the most recent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.LatestSession(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				turns, err := e.Repo.ListTurns(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"session": s, "turns": turns})
			})
		},
	}
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, id)
				if err != nil {
					return err
				}
				turns, err := e.Repo.ListTurns(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"session": s, "turns": turns})
			})
		},
	}
	return cmd
}

func sessionAnswerCmd() *cobra.Command {
	var quick, text []string
	var answersJSON string
	cmd := &cobra.Command{
		Use:   "answer <session-id> <turn-number>",
		Short: "Answer a whole turn",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			var turnNumber int
			if _, err := fmt.Sscanf(args[1], "%d", &turnNumber); err != nil {
				return fmt.Errorf("turn number must be an integer: %w", err)
			}
			answers, err := parseAnswers(answersJSON, quick, text)
			if err != nil {
				return err
			}
			if len(answers) == 0 {
				return fmt.Errorf("no answers given; use --quick, --text or --answers-json")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				turn, err := e.SaveAnswers(ctx, sessionID, turnNumber, answers, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(turn)
			})
		},
	}
	cmd.Flags().StringArrayVar(&quick, "quick", []string{}, "quick answer as <question-id>=<value> (repeatable)")
	cmd.Flags().StringArrayVar(&text, "text", []string{}, "free-text answer as <question-id>=<value> (repeatable)")
	cmd.Flags().StringVar(&answersJSON, "answers-json", "", "answers as a JSON array")
	return cmd
}

func sessionSkipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip <session-id>",
		Short: "Skip the active session",
		Long:  "Marks the session skipped; the next controller step will not re-open questions for the same stage.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.MarkSessionSkipped(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func sessionArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ArchiveSession(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func sessionBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle <bundle-id>",
		Short: "Show a turn bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetTurnBundle(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Println(b.Text)
				return nil
			})
		},
	}
	return cmd
}

func changesetCmd() *cobra.Command {
	cs := &cobra.Command{
		Use:   "changeset",
		Short: "Manage change sets",
		Long:  "Change sets stage entity mutations proposed by planner skills. Each is applied or rejected exactly once; applying realizes all ops atomically.",
	}
	cs.AddCommand(changesetListCmd())
	cs.AddCommand(changesetShowCmd())
	cs.AddCommand(changesetApplyCmd())
	cs.AddCommand(changesetRejectCmd())
	return cs
}

func changesetListCmd() *cobra.Command {
	var f repo.ChangeSetFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List change sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.Repo.ListChangeSets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Agent", "Created"})
				for _, cs := range items {
					tw.AppendRow(table.Row{cs.ID, cs.Title, cs.Status, cs.AgentName, cs.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, applied, rejected)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func changesetShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cs, err := e.Repo.GetChangeSet(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(cs)
			})
		},
	}
	return cmd
}

func changesetApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <id>",
		Short: "Apply a pending change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cs, idMap, err := e.ApplyChangeSet(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"change_set": cs, "id_map": idMap})
			})
		},
	}
	return cmd
}

func changesetRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cs, err := e.RejectChangeSet(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cs)
			})
		},
	}
	return cmd
}

func brainCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "brain",
		Short: "Project brain",
		Long:  "The brain is versioned project memory. It changes only through logged events carrying patch ops; stale events park for retry instead of clobbering.",
	}
	b.AddCommand(brainShowCmd())
	b.AddCommand(brainLogCmd())
	b.AddCommand(brainNoteCmd())
	b.AddCommand(brainApplyCmd())
	b.AddCommand(brainResetCmd())
	b.AddCommand(brainResolveCmd())
	return b
}

func brainShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the brain document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.EnsureBrain(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				doc, err := brain.FromJSON(b.DocJSON)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"version": b.Version, "updated_at": b.UpdatedAt, "doc": doc})
				}
				fmt.Printf("Brain v%d (updated %s)\n", b.Version, b.UpdatedAt)
				for _, section := range []brain.Section{brain.SectionOverview, brain.SectionCreative, brain.SectionLogistics, brain.SectionBudget, brain.SectionPeople} {
					bullets := doc.Sections[section]
					if len(bullets) == 0 {
						continue
					}
					fmt.Printf("## %s\n", section)
					for _, bl := range bullets {
						if bl.Status == brain.StatusTombstoned {
							continue
						}
						fmt.Printf("- %s\n", bl.Text)
					}
				}
				for _, c := range doc.Conflicts {
					state := "open"
					if c.Resolved != nil {
						state = "resolved by " + c.Resolved.By
					}
					fmt.Printf("conflict %s (%s): %s\n", c.ID, state, c.Note)
				}
				return nil
			})
		},
	}
	return cmd
}

func brainLogCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List brain events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBrainEvents(ctx, e.Config.Project.ID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "From v", "Created"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Type, ev.Status, ev.BrainVersionAtStart, ev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func brainNoteCmd() *cobra.Command {
	var evtType, payloadJSON string
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Record a brain event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payloadJSON != "" && !json.Valid([]byte(payloadJSON)) {
				return fmt.Errorf("--payload-json is not valid JSON")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CreateBrainEvent(ctx, e.Config.Project.ID, evtType, payloadJSON, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "payload JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func brainApplyCmd() *cobra.Command {
	var opsJSON string
	cmd := &cobra.Command{
		Use:   "apply <event-id>",
		Short: "Apply patch ops for a brain event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID := args[0]
			var ops []brain.PatchOp
			if err := json.Unmarshal([]byte(opsJSON), &ops); err != nil {
				return fmt.Errorf("parse --ops-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ApplyBrainEventWithRetry(ctx, eventID, ops, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&opsJSON, "ops-json", "", "patch ops as a JSON array")
	_ = cmd.MarkFlagRequired("ops-json")
	return cmd
}

func brainResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <event-id>",
		Short: "Re-queue a parked brain event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.ResetForRetry(ctx, eventID)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func brainResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a brain conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conflictID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ResolveBrainConflict(ctx, e.Config.Project.ID, conflictID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func runsCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "runs",
		Short: "Agent runs",
	}
	r.AddCommand(runsListCmd())
	r.AddCommand(runsShowCmd())
	return r
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				runs, err := e.Repo.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Stage", "Status", "Created"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.AgentName, run.Stage, run.Status, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AgentName, "agent", "", "agent name filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run with its log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, id)
				if err != nil {
					return err
				}
				log, err := engine.RunLog(run)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "log": log})
				}
				fmt.Printf("Run %s: %s [%s] (%s)\n", run.ID, run.AgentName, run.Stage, run.Status)
				for _, ev := range log {
					fmt.Printf("  %s %-5s %s\n", ev.TS, ev.Level, ev.Message)
				}
				return nil
			})
		},
	}
	return cmd
}

func skillCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "skill",
		Short: "Manage skill definitions",
		Long:  "Persisted skill definitions shadow the built-in catalog. Partial updates inherit the remaining fields from whatever currently resolves.",
	}
	s.AddCommand(skillListCmd())
	s.AddCommand(skillShowCmd())
	s.AddCommand(skillSetCmd())
	s.AddCommand(skillDeleteCmd())
	return s
}

func skillListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSkills(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Name", "Stage", "Channel", "Enabled"})
				for _, def := range items {
					tw.AppendRow(table.Row{def.SkillKey, def.Name, def.Stage, def.Channel, def.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func skillShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Show the resolved skill definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				def, err := e.Skills.Resolve(ctx, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	return cmd
}

func skillSetCmd() *cobra.Command {
	var upd engine.SkillUpdate
	var disabled bool
	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Create or update a skill definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if cmd.Flags().Changed("disabled") {
				enabled := !disabled
				upd.Enabled = &enabled
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				def, err := e.UpsertSkill(ctx, key, upd, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	cmd.Flags().StringVar(&upd.Name, "name", "", "display name")
	cmd.Flags().StringVar(&upd.Stage, "stage", "", "stage")
	cmd.Flags().StringVar(&upd.Channel, "channel", "", "channel")
	cmd.Flags().StringVar(&upd.InputSchema, "input-schema-json", "", "input schema JSON")
	cmd.Flags().StringVar(&upd.OutputSchema, "output-schema-json", "", "output schema JSON")
	cmd.Flags().StringVar(&upd.Prompt, "prompt", "", "system prompt")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "disable the skill")
	return cmd
}

func skillDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a persisted skill (catalog fallback restores)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteSkill(ctx, key)
			})
		},
	}
	return cmd
}

func suggestionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggestions",
		Short: "Show the latest suggestion set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				set, err := e.Repo.LatestSuggestionSet(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(set)
				}
				fmt.Printf("Suggestions (%s):\n", set.CreatedAt)
				for _, s := range set.Suggestions {
					fmt.Printf("  %d. %s (%s", s.Rank, s.Title, s.SkillKey)
					if s.Reason != "" {
						fmt.Printf("; %s", s.Reason)
					}
					fmt.Println(")")
				}
				return nil
			})
		},
	}
	return cmd
}

func companionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "companions",
		Short: "Propose companion tasks for active items",
		Long:  "Evaluates companion rules against active items and stages the missing companion tasks as a change set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cs, err := e.ProposeCompanions(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if cs == nil {
					fmt.Println("nothing to propose")
					return nil
				}
				return printJSONOrTable(cs)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: steps, decisions, brain updates, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, newGenerationClient())
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("STUDIOLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("STUDIOLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Studioline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a token (local dev only)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, token, err := r.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "token": token})
				}
				fmt.Printf("Created key %s; token (shown once):\n%s\n", key.ID, token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, newGenerationClient())
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// newGenerationClient reads STUDIOLINE_OPENAI_API_KEY and STUDIOLINE_MODEL.
// The key is only required for commands that actually invoke a skill.
func newGenerationClient() skill.Client {
	return skill.NewOpenAIClient(viper.GetString("openai-api-key"), viper.GetString("model"))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAnswers(answersJSON string, quick, text []string) ([]domain.Answer, error) {
	var answers []domain.Answer
	if answersJSON != "" {
		if err := json.Unmarshal([]byte(answersJSON), &answers); err != nil {
			return nil, fmt.Errorf("parse --answers-json: %w", err)
		}
	}
	for _, pair := range quick {
		id, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --quick %q; want <question-id>=<value>", pair)
		}
		answers = append(answers, domain.Answer{QuestionID: id, Quick: value})
	}
	for _, pair := range text {
		id, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --text %q; want <question-id>=<value>", pair)
		}
		answers = append(answers, domain.Answer{QuestionID: id, Text: value})
	}
	return answers, nil
}

func turnQuestions(t domain.QuestionTurn) ([]domain.Question, error) {
	var questions []domain.Question
	if t.QuestionsJSON == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(t.QuestionsJSON), &questions); err != nil {
		return nil, err
	}
	return questions, nil
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
