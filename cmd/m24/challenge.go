package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"make24/internal/countdown"
	"make24/internal/domain"
	"make24/internal/engine"
	"make24/internal/events"
)

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start GOAL",
		Short: "Start a challenge",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.Join(args, " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Start(ctx, goal)
				if err != nil {
					return err
				}
				return printSnapshot(e, s)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current challenge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printSnapshot(e, e.Snapshot())
			})
		},
	}
}

func watchCmd() *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the countdown live",
		Long:  "Runs the countdown in the foreground, printing milestones as they are reached. Stops when time is up or on Ctrl-C.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			hub := events.NewHub()
			defer hub.Close()
			feed, unsubscribe := hub.Subscribe(32)
			defer unsubscribe()
			return withEngineHub(ctx, hub, func(ctx context.Context, e *engine.Engine) error {
				s := e.Snapshot()
				if s.Phase != domain.PhaseActive {
					return printSnapshot(e, s)
				}
				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go e.Run(runCtx, e.Config.Challenge.Tick)

				fmt.Printf("Goal: %s\n", s.Goal)
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						fmt.Println()
						return nil
					case evt := <-feed:
						if viper.GetBool("json") {
							if err := printJSON(evt); err != nil {
								return err
							}
						} else {
							printEvent(evt)
						}
						if evt.Kind == events.KindPhase && evt.Phase == string(domain.PhaseCompleted) {
							return nil
						}
					case <-ticker.C:
						if !viper.GetBool("json") {
							fmt.Printf("\r%s remaining", e.Snapshot().Countdown)
						}
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&every, "every", time.Second, "refresh interval")
	return cmd
}

func printEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindMilestone:
		fmt.Printf("\nMilestone %d%%: %s left. Check in with `m24 checkin --milestone %d --mood good`\n",
			evt.Milestone, countdown.Split(evt.Remaining), evt.Milestone)
	case events.KindPhase:
		if evt.Phase == string(domain.PhaseCompleted) {
			fmt.Println("\nTime is up. Record how it went with `m24 submit --rating N`.")
			return
		}
		fmt.Printf("\nPhase: %s\n", evt.Phase)
	}
}

func checkInCmd() *cobra.Command {
	var milestone int
	var mood, reflection string
	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Record a mood at a reached milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ci, err := e.CheckIn(ctx, milestone, mood, reflection)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ci)
				}
				fmt.Printf("Checked in at %d%%: %s %s\n", ci.Milestone, ci.Mood.Symbol(), ci.Mood.Label())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&milestone, "milestone", 0, "milestone (percent remaining)")
	cmd.Flags().StringVar(&mood, "mood", "", "mood name or emoji (see `m24 moods`)")
	cmd.Flags().StringVar(&reflection, "reflection", "", "optional note")
	_ = cmd.MarkFlagRequired("milestone")
	_ = cmd.MarkFlagRequired("mood")
	return cmd
}

func dismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss MILESTONE",
		Short: "Dismiss a milestone nudge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			milestone, err := strconv.Atoi(strings.TrimSuffix(args[0], "%"))
			if err != nil {
				return fmt.Errorf("milestone must be a number: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Dismiss(milestone); err != nil {
					return err
				}
				return printSnapshot(e, e.Snapshot())
			})
		},
	}
}

func endCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end",
		Short: "End the active challenge early",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.End(ctx)
				if err != nil {
					return err
				}
				return printSnapshot(e, s)
			})
		},
	}
}

func abandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon",
		Short: "Discard the active challenge without recording it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Abandon(ctx); err != nil {
					return err
				}
				fmt.Println("Challenge abandoned.")
				return nil
			})
		},
	}
}

func submitCmd() *cobra.Command {
	var rating int
	var outcome, reflection string
	var links, files []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Rate a completed challenge and archive it",
		RunE: func(cmd *cobra.Command, args []string) error {
			evidence, err := collectEvidence(links, files)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Submit(ctx, engine.Outcome{
					Rating:     rating,
					Outcome:    outcome,
					Reflection: reflection,
					Evidence:   evidence,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Archived %q with rating %d.\n", res.Challenge.Goal, rating)
				return printProfile(res.Profile)
			})
		},
	}
	cmd.Flags().IntVar(&rating, "rating", 0, "rating from 1 to 5")
	cmd.Flags().StringVar(&outcome, "outcome", "", "what you achieved")
	cmd.Flags().StringVar(&reflection, "reflection", "", "what you learned")
	cmd.Flags().StringArrayVar(&links, "link", nil, "evidence link (repeatable)")
	cmd.Flags().StringArrayVar(&files, "file", nil, "evidence file (repeatable)")
	_ = cmd.MarkFlagRequired("rating")
	return cmd
}

// collectEvidence describes links and local files. File contents stay on disk;
// only name, size and type are recorded.
func collectEvidence(links, files []string) ([]domain.Evidence, error) {
	out := make([]domain.Evidence, 0, len(links)+len(files))
	for _, l := range links {
		out = append(out, domain.Evidence{Kind: domain.EvidenceLink, URL: l})
	}
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", f)
		}
		out = append(out, domain.Evidence{
			Kind:        domain.EvidenceFile,
			Name:        filepath.Base(f),
			Size:        info.Size(),
			ContentType: mime.TypeByExtension(filepath.Ext(f)),
		})
	}
	return out, domain.ValidateEvidence(out)
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List completed challenges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.History(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Goal", "Ended", "Rating", "Outcome"})
				for _, c := range items {
					ended, rating, outcome := "", "", ""
					if c.EndTime != nil {
						ended = formatMillis(*c.EndTime)
					}
					if c.Rating != nil {
						rating = strings.Repeat("★", *c.Rating)
					}
					if c.Outcome != nil {
						outcome = *c.Outcome
					}
					tw.AppendRow(table.Row{c.ID, c.Goal, ended, rating, outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func checkInsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkins [CHALLENGE_ID]",
		Short: "List check-ins of a challenge (the active one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				id := e.Snapshot().ChallengeID
				if len(args) == 1 {
					id = args[0]
				}
				if id == "" {
					return engine.ErrNoActiveChallenge
				}
				items, err := e.CheckIns(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Milestone", "Mood", "Reflection", "At"})
				for _, ci := range items {
					tw.AppendRow(table.Row{
						fmt.Sprintf("%d%%", ci.Milestone),
						ci.Mood.Symbol() + " " + ci.Mood.Label(),
						ci.Reflection,
						formatMillis(ci.Timestamp),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show streak, ratings and mood totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Profile(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				return printProfile(p)
			})
		},
	}
}

func printProfile(p domain.Profile) error {
	tw := newTable()
	tw.AppendRow(table.Row{"Completed", p.TotalCompleted})
	tw.AppendRow(table.Row{"Streak (days)", p.Streak})
	tw.AppendRow(table.Row{"Average rating", fmt.Sprintf("%.1f", p.AverageRating)})
	tw.AppendRow(table.Row{"Success rate", fmt.Sprintf("%.0f%%", p.SuccessRate)})
	tw.AppendSeparator()
	for _, m := range domain.Moods() {
		tw.AppendRow(table.Row{m.Symbol() + " " + m.Label(), p.MoodCounts[m]})
	}
	tw.Render()
	return nil
}

func binderCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "binder",
		Short: "Show the memory binder: profile, history and recent check-ins",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.Binder(ctx, recent)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 20, "number of recent check-ins")
	return cmd
}

func moodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "moods",
		Short: "List check-in moods",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(domain.Moods())
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Mood", "Symbol", "Label"})
			for _, m := range domain.Moods() {
				tw.AppendRow(table.Row{m, m.Symbol(), m.Label()})
			}
			tw.Render()
			return nil
		},
	}
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
