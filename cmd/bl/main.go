package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/credits"
	"bountyline/internal/domain"
	"bountyline/internal/effects"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
	"bountyline/internal/server"
	"bountyline/internal/validation"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline runs the lifecycle of sponsor listings (bounties, projects).
- Workspace: a directory holding bountyline.yml and .bountyline/bountyline.db.
- Listings move draft -> open (or verifying for unverified sponsors) -> winners announced.
- Unpublish returns an open listing to draft and resets its winners.
- Every transition is recorded in the event log; view it with 'bl log tail'.
- Notifications, credits and earnings run after commit and never undo a transition.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "user id performing the action")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sponsorCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(listingCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(creditsCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create bountyline.yml and the database in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				env.Logger.Info("workspace initialized", "config", path)
				return printJSONOrText(map[string]string{"config": path}, "initialized "+workspace)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				applied, latest, err := migrate.Version(ctx, env.DB)
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]int{"applied": applied, "latest": latest},
					fmt.Sprintf("schema version %d (latest %d)", applied, latest))
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate bountyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					EnableDevLogin:         devLogin,
					AllowLegacyActorHeader: legacyActor,
					Logger:                 env.Logger,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("BOUNTYLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath, Auth: authCfg, Logger: env.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				env.Logger.Info("serving bountyline api", "addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&legacyActor, "allow-actor-header", false, "trust X-Actor-Id without credentials (local only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func sponsorCmd() *cobra.Command {
	sp := &cobra.Command{Use: "sponsor", Short: "Manage sponsors"}

	var id, name string
	var verified, caution bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a sponsor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if id == "" {
					id = uuid.NewString()
				}
				s := domain.Sponsor{ID: id, Name: name, IsVerified: verified, IsCaution: caution, CreatedAt: time.Now()}
				if err := env.Engine.Repo.InsertSponsor(ctx, s); err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "sponsor id (default: generated)")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().BoolVar(&verified, "verified", false, "mark as verified")
	create.Flags().BoolVar(&caution, "caution", false, "flag for caution")
	_ = create.MarkFlagRequired("name")

	var trustID string
	var trustVerified, trustCaution bool
	trust := &cobra.Command{
		Use:   "trust",
		Short: "Set sponsor trust signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.Repo.SetSponsorTrust(ctx, trustID, trustVerified, trustCaution); err != nil {
					return err
				}
				s, err := env.Engine.Repo.GetSponsor(ctx, trustID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	trust.Flags().StringVar(&trustID, "id", "", "sponsor id")
	trust.Flags().BoolVar(&trustVerified, "verified", false, "verified")
	trust.Flags().BoolVar(&trustCaution, "caution", false, "caution")
	_ = trust.MarkFlagRequired("id")

	var memberSponsor, memberUser, memberRole string
	member := &cobra.Command{
		Use:   "add-member",
		Short: "Add a user to a sponsor team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if _, err := env.Engine.Repo.GetSponsor(ctx, memberSponsor); err != nil {
					return fmt.Errorf("sponsor %s: %w", memberSponsor, err)
				}
				if _, err := env.Engine.Repo.GetUser(ctx, memberUser); err != nil {
					return fmt.Errorf("user %s: %w", memberUser, err)
				}
				if err := env.Engine.Repo.AddSponsorMember(ctx, memberSponsor, memberUser, memberRole); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"sponsor_id": memberSponsor, "user_id": memberUser}, "member added")
			})
		},
	}
	member.Flags().StringVar(&memberSponsor, "sponsor", "", "sponsor id")
	member.Flags().StringVar(&memberUser, "user", "", "user id")
	member.Flags().StringVar(&memberRole, "role", "", "team role (default MEMBER)")
	_ = member.MarkFlagRequired("sponsor")
	_ = member.MarkFlagRequired("user")

	var hackID, hackName, hackDeadline string
	hackathon := &cobra.Command{
		Use:   "hackathon",
		Short: "Register a hackathon whose deadline caps its listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			deadline, err := time.Parse(time.RFC3339, hackDeadline)
			if err != nil {
				return fmt.Errorf("invalid --deadline: %w", err)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if hackID == "" {
					hackID = uuid.NewString()
				}
				h := domain.Hackathon{ID: hackID, Name: hackName, Deadline: deadline}
				if err := env.Engine.Repo.InsertHackathon(ctx, h); err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	hackathon.Flags().StringVar(&hackID, "id", "", "hackathon id (default: generated)")
	hackathon.Flags().StringVar(&hackName, "name", "", "name")
	hackathon.Flags().StringVar(&hackDeadline, "deadline", "", "deadline (RFC3339)")
	_ = hackathon.MarkFlagRequired("deadline")

	sp.AddCommand(create, trust, member, hackathon)
	return sp
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	var id, email, name, role, sponsorID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if id == "" {
					id = uuid.NewString()
				}
				user := domain.User{
					ID:               id,
					Email:            email,
					Name:             name,
					Role:             domain.Role(strings.ToUpper(role)),
					CurrentSponsorID: optionalString(sponsorID),
					CreatedAt:        time.Now(),
				}
				if err := env.Engine.Repo.InsertUser(ctx, user); err != nil {
					return err
				}
				if sponsorID != "" {
					if err := env.Engine.Repo.AddSponsorMember(ctx, sponsorID, id, ""); err != nil {
						return err
					}
				}
				return printJSONOrTable(user)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "user id (default: generated)")
	create.Flags().StringVar(&email, "email", "", "email")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&role, "role", string(domain.RoleUser), "role (USER or GOD)")
	create.Flags().StringVar(&sponsorID, "sponsor", "", "current sponsor; also adds team membership")
	_ = create.MarkFlagRequired("email")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				user, err := env.Engine.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(user)
			})
		},
	}
	u.AddCommand(create, show)
	return u
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := randomKey()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if _, err := env.Engine.Repo.GetUser(ctx, userID); err != nil {
					return fmt.Errorf("user %s: %w", userID, err)
				}
				key := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := env.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"id": key.ID, "user_id": userID, "key": raw}, raw)
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("user")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	k.AddCommand(create, revoke)
	return k
}

func tokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user (requires BOUNTYLINE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			token, exp, err := server.SignToken(secret, userID, ttl, time.Now())
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]any{"token": token, "expires_at": exp}, token)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func listingCmd() *cobra.Command {
	l := &cobra.Command{Use: "listing", Short: "Run listing lifecycle transitions"}
	l.AddCommand(listingCreateCmd())
	l.AddCommand(listingSaveCmd())
	l.AddCommand(listingListCmd())
	l.AddCommand(listingShowCmd())
	l.AddCommand(listingPublishCmd())
	l.AddCommand(listingUpdateCmd())
	l.AddCommand(listingUnpublishCmd())
	l.AddCommand(listingAnnounceCmd())
	l.AddCommand(listingDeleteCmd())
	return l
}

func listingCreateCmd() *cobra.Command {
	var file, sponsorID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readInput(file)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				l, err := env.Engine.CreateDraft(ctx, actorID(), sponsorID, in)
				if err != nil {
					return err
				}
				return printListing(l)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "listing fields (JSON or YAML)")
	cmd.Flags().StringVar(&sponsorID, "sponsor", "", "owning sponsor (default: actor's current sponsor)")
	return cmd
}

func listingSaveCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "save <id>",
		Short: "Save draft fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readInput(file)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				l, err := env.Engine.SaveDraft(ctx, actorID(), args[0], in)
				if err != nil {
					return err
				}
				return printListing(l)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "listing fields (JSON or YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func listingListCmd() *cobra.Command {
	var f repo.ListingFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.ListListings(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slug", "Type", "State", "Status", "Reward", "Deadline"})
				for _, l := range items {
					reward := ""
					if l.RewardAmount != nil {
						reward = fmt.Sprintf("%.2f %s", *l.RewardAmount, l.Token)
					}
					deadline := ""
					if l.Deadline != nil {
						deadline = l.Deadline.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{l.ID, l.Slug, l.Type, engine.StateOf(l), l.Status, reward, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SponsorID, "sponsor", "", "sponsor filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (OPEN, REVIEW, CLOSED, VERIFYING)")
	cmd.Flags().BoolVar(&f.PublishedOnly, "published", false, "only published listings")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func listingShowCmd() *cobra.Command {
	var bySlug bool
	cmd := &cobra.Command{
		Use:   "show <id|slug>",
		Short: "Show a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				get := env.Engine.GetListing
				if bySlug {
					get = env.Engine.GetListingBySlug
				}
				l, err := get(ctx, args[0])
				if err != nil {
					return err
				}
				return printListing(l)
			})
		},
	}
	cmd.Flags().BoolVar(&bySlug, "slug", false, "treat the argument as a slug")
	return cmd
}

func listingPublishCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish <id>",
		Short: "Publish a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readInput(file)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.Publish(ctx, actorID(), args[0], in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("listing %s is %s", res.Listing.ID, engine.StateOf(res.Listing))
				if res.VerificationReason != "" {
					fmt.Printf(" (%s)", res.VerificationReason)
				}
				fmt.Println()
				printEffects(res.Effects)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "final listing fields (JSON or YAML)")
	return cmd
}

func listingUpdateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit an open or verifying listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readInput(file)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.Update(ctx, actorID(), args[0], in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("listing %s updated to version %d (%d winners reset)\n", res.Listing.ID, res.Listing.Version, res.WinnersReset)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "listing fields (JSON or YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func listingUnpublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpublish <id>",
		Short: "Return an open listing to draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.Unpublish(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("listing %s unpublished: %d winners cleared, %d submissions rejected\n", res.Listing.ID, res.Cleared, res.Rejected)
				printEffects(res.Effects)
				return nil
			})
		},
	}
}

func listingAnnounceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "announce <id>",
		Short: "Announce winners",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.Announce(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Position", "Submission", "User", "Amount"})
				for _, p := range res.Payouts {
					pos := "-"
					if p.Position != nil {
						pos = fmt.Sprint(*p.Position)
					}
					tw.AppendRow(table.Row{pos, p.SubmissionID, p.UserID, fmt.Sprintf("%.2f %s", p.Amount, p.Token)})
				}
				tw.Render()
				printEffects(res.Effects)
				return nil
			})
		},
	}
}

func listingDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a never-published draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.DeleteDraft(ctx, actorID(), args[0]); err != nil {
					return err
				}
				return printJSONOrText(map[string]string{"deleted": args[0]}, "deleted "+args[0])
			})
		},
	}
}

func submissionCmd() *cobra.Command {
	s := &cobra.Command{Use: "submission", Short: "Manage submissions"}

	var listingID, userID, id string
	add := &cobra.Command{
		Use:   "add",
		Short: "Record a submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if _, err := env.Engine.GetListing(ctx, listingID); err != nil {
					return fmt.Errorf("listing %s: %w", listingID, err)
				}
				if id == "" {
					id = uuid.NewString()
				}
				now := time.Now()
				sub := domain.Submission{ID: id, ListingID: listingID, UserID: userID, CreatedAt: now, UpdatedAt: now}
				if err := env.Engine.Repo.InsertSubmission(ctx, sub); err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	add.Flags().StringVar(&listingID, "listing", "", "listing id")
	add.Flags().StringVar(&userID, "user", "", "submitting user id")
	add.Flags().StringVar(&id, "id", "", "submission id (default: generated)")
	_ = add.MarkFlagRequired("listing")
	_ = add.MarkFlagRequired("user")

	var position int
	var clearWinner bool
	winner := &cobra.Command{
		Use:   "winner <submission-id>",
		Short: "Select or clear a winner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pos *int
			if !clearWinner {
				pos = &position
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				sub, err := env.Engine.SetWinner(ctx, actorID(), args[0], pos)
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	winner.Flags().IntVar(&position, "position", 1, "reward position")
	winner.Flags().BoolVar(&clearWinner, "clear", false, "clear the winner flag")

	var listFor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List submissions for a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				subs, err := env.Engine.ListSubmissions(ctx, listFor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(subs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Status", "Label", "Winner", "Position"})
				for _, s := range subs {
					pos := ""
					if s.WinnerPosition != nil {
						pos = fmt.Sprint(*s.WinnerPosition)
					}
					tw.AppendRow(table.Row{s.ID, s.UserID, s.Status, s.Label, s.IsWinner, pos})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listFor, "listing", "", "listing id")
	_ = list.MarkFlagRequired("listing")

	s.AddCommand(add, winner, list)
	return s
}

func creditsCmd() *cobra.Command {
	c := &cobra.Command{Use: "credits", Short: "Inspect sponsor listing credits"}
	var sponsorID string
	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show a sponsor's credit balance and ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				ledger := credits.NewLedger(env.Engine.Repo, nil)
				bal, err := ledger.Balance(ctx, sponsorID)
				if err != nil {
					return err
				}
				entries, err := env.Engine.Repo.ListCreditEntries(ctx, sponsorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"sponsor_id": sponsorID, "balance": bal, "entries": entries})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Kind", "Listing", "Reason", "Delta"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.CreatedAt, e.Kind, e.ListingID, e.Reason, e.Delta})
				}
				tw.AppendFooter(table.Row{"", "", "", "Balance", bal})
				tw.Render()
				return nil
			})
		},
	}
	balance.Flags().StringVar(&sponsorID, "sponsor", "", "sponsor id")
	_ = balance.MarkFlagRequired("sponsor")
	c.AddCommand(balance)
	return c
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				events, err := env.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.SponsorID, "sponsor", "", "sponsor filter")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	logger := app.NewLogger(os.Stderr, viper.GetString("log-level"))
	env, err := app.Open(ctx, viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

// readInput decodes listing fields from a JSON or YAML file. An empty path
// yields an empty input.
func readInput(path string) (validation.Input, error) {
	var in validation.Input
	if path == "" {
		return in, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return in, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yml" || ext == ".yaml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return in, fmt.Errorf("invalid yaml in %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return in, fmt.Errorf("convert %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("invalid listing input in %s: %w", path, err)
	}
	return in, nil
}

func randomKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "bl_" + hex.EncodeToString(buf), nil
}

func printListing(l domain.Listing) error {
	if viper.GetBool("json") {
		return printJSON(l)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", l.ID},
		{"Slug", l.Slug},
		{"Title", l.Title},
		{"Type", l.Type},
		{"State", engine.StateOf(l)},
		{"Status", l.Status},
		{"Version", l.Version},
	})
	tw.Render()
	return nil
}

func printEffects(reports []effects.Report) {
	for _, r := range reports {
		if r.Err != nil {
			fmt.Printf("  effect %s failed: %v\n", r.Kind, r.Err)
		}
	}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
