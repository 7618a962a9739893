package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memorable-ai/memorable/internal/client"
	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/model"
	"github.com/memorable-ai/memorable/internal/salience"
)

const requestTimeout = 30 * time.Second

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

// --- score command ---

var (
	scoreEntities  []string
	scoreValence   float64
	scoreArousal   float64
	scoreFactors   salience.Factors
	scorePrivacy   []string
	scoreTier      string
	scoreTalkingTo string
	scorePresent   []string
)

var scoreCmd = &cobra.Command{
	Use:   "score [text]",
	Short: "Score a memory without storing it",
	Long:  "Compute the salience score and surfacing class of a memory locally. With --talking-to or --present the live context modifiers apply.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScore,
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	calc, err := salience.NewCalculator(cfg.Salience)
	if err != nil {
		return err
	}
	tier, err := model.ParseSecurityTier(scoreTier)
	if err != nil {
		return err
	}

	item := &model.MemoryItem{
		EntityIDs:        scoreEntities,
		Text:             strings.Join(args, " "),
		EmotionalValence: scoreValence,
		EmotionalArousal: scoreArousal,
		PrivacyFlags:     scorePrivacy,
		SecurityTier:     tier,
		CreatedAt:        time.Now(),
	}
	if err := model.ValidateMemory(item); err != nil {
		return err
	}

	score, b := calc.Score(item, scoreFactors)
	var mods []salience.Modifier
	if scoreTalkingTo != "" || len(scorePresent) > 0 {
		snap := model.ContextSnapshot{TalkingTo: scoreTalkingTo, Present: scorePresent}
		mods = calc.ContextModifiers(item, snap, time.Now())
	}
	class := salience.Classify(score, mods...)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "score: %d (%s)\n", score, class)
	fmt.Fprintf(out, "  emotional     %5.1f\n", b.Emotional)
	fmt.Fprintf(out, "  novelty       %5.1f\n", b.Novelty)
	fmt.Fprintf(out, "  relevance     %5.1f\n", b.Relevance)
	fmt.Fprintf(out, "  social        %5.1f\n", b.Social)
	fmt.Fprintf(out, "  consequential %5.1f\n", b.Consequential)
	for _, m := range mods {
		fmt.Fprintf(out, "  modifier %s %+.2f\n", m.Reason, m.Delta)
	}
	return nil
}

// --- relationship command ---

var (
	relContext string
	relRefresh bool
)

var relationshipCmd = &cobra.Command{
	Use:   "relationship <a> <b>",
	Short: "Show the synthesized relationship between two entities",
	Args:  cobra.ExactArgs(2),
	RunE:  runRelationship,
}

func runRelationship(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	syn, err := client.New().Relationship(ctx, args[0], args[1], relContext, relRefresh)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "## %s / %s\n\n%s\n\n", syn.EntityA, syn.EntityB, syn.Text)
	fmt.Fprintf(out, "interactions: %d  balance: %+.2f  memories: %d used, %d withheld\n",
		syn.InteractionCount, syn.PressureBalance, syn.MemoriesUsed, syn.MemoriesWithheld)
	var notes []string
	if syn.FromCache {
		notes = append(notes, "cached")
	}
	if syn.Stale {
		notes = append(notes, "stale")
	}
	if syn.Structural {
		notes = append(notes, "structural")
	}
	if len(notes) > 0 {
		fmt.Fprintf(out, "(%s)\n", strings.Join(notes, ", "))
	}
	return nil
}

// --- context command ---

var contextSnap model.ContextSnapshot

var contextCmd = &cobra.Command{
	Use:   "context <entity>",
	Short: "Report a context change and print surfaced memories",
	Args:  cobra.ExactArgs(1),
	RunE:  runContext,
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	surfaced, err := client.New().ContextChange(ctx, args[0], contextSnap)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(surfaced) == 0 {
		fmt.Fprintln(out, "Nothing surfaced.")
		return nil
	}
	for i, s := range surfaced {
		conds := make([]string, len(s.Matched))
		for j, c := range s.Matched {
			conds[j] = c.String()
		}
		fmt.Fprintf(out, "%d. [%s %.2f] memory %s (hook %s)\n   %s\n",
			i+1, s.Priority, s.Confidence, s.MemoryID, s.HookID, strings.Join(conds, " "))
	}
	return nil
}

// --- feedback command ---

var feedbackNotUseful bool

var feedbackCmd = &cobra.Command{
	Use:   "feedback <hook-id>",
	Short: "Mark a surfaced hook as useful (or --not-useful)",
	Args:  cobra.ExactArgs(1),
	RunE:  runFeedback,
}

func runFeedback(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	h, err := client.New().Feedback(ctx, args[0], !feedbackNotUseful)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "hook %s: confidence %.2f after %d feedback, state %s\n",
		h.ID, h.Confidence, h.FeedbackCount, h.State)
	return nil
}

// --- pressure command ---

var pressureCmd = &cobra.Command{
	Use:   "pressure <entity>",
	Short: "Show an entity's emotional pressure",
	Args:  cobra.ExactArgs(1),
	RunE:  runPressure,
}

func runPressure(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	p, err := client.New().Pressure(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: score %+.2f, trend %s, urgency %s\n", p.EntityID, p.PressureScore, p.PressureTrend, p.InterventionUrgency)
	if len(p.PatternFlags) > 0 {
		flags := make([]string, len(p.PatternFlags))
		for i, f := range p.PatternFlags {
			flags[i] = string(f)
		}
		fmt.Fprintf(out, "  patterns: %s\n", strings.Join(flags, ", "))
	}
	fmt.Fprintf(out, "  inputs: %d negative, %d positive  outputs: %d negative, %d positive\n",
		len(p.NegativeInputs), len(p.PositiveInputs), len(p.NegativeOutputs), len(p.PositiveOutputs))
	if len(p.CareCircle) > 0 {
		fmt.Fprintf(out, "  care circle: %s\n", strings.Join(p.CareCircle, ", "))
	}
	return nil
}

func init() {
	f := scoreCmd.Flags()
	f.StringSliceVarP(&scoreEntities, "entity", "e", nil, "Entities the memory involves")
	f.Float64Var(&scoreValence, "valence", 0, "Emotional valence in [-1,1]")
	f.Float64Var(&scoreArousal, "arousal", 0, "Emotional arousal in [0,1]")
	f.Float64Var(&scoreFactors.Emotional, "emotional", 0, "Emotional factor in [0,1] (default from valence/arousal)")
	f.Float64Var(&scoreFactors.Novelty, "novelty", 0, "Novelty factor in [0,1]")
	f.Float64Var(&scoreFactors.Relevance, "relevance", 0, "Relevance factor in [0,1]")
	f.Float64Var(&scoreFactors.Social, "social", 0, "Social factor in [0,1]")
	f.Float64Var(&scoreFactors.Consequential, "consequential", 0, "Consequential factor in [0,1]")
	f.StringSliceVar(&scorePrivacy, "privacy", nil, "Privacy flags, e.g. medical,romantic")
	f.StringVar(&scoreTier, "tier", "general", "Security tier: general, personal or vault")
	f.StringVar(&scoreTalkingTo, "talking-to", "", "Score in a context where this person is being talked to")
	f.StringSliceVar(&scorePresent, "present", nil, "People present in the context")

	relationshipCmd.Flags().StringVar(&relContext, "context", "", "What the caller is about to do with the pair")
	relationshipCmd.Flags().BoolVar(&relRefresh, "refresh", false, "Force a new synthesis")

	cf := contextCmd.Flags()
	cf.StringVar(&contextSnap.TalkingTo, "talking-to", "", "Person being talked to")
	cf.StringSliceVar(&contextSnap.Present, "present", nil, "People present")
	cf.StringVar(&contextSnap.Location, "location", "", "Current location")
	cf.StringVar(&contextSnap.Activity, "activity", "", "Current activity")
	cf.StringVar(&contextSnap.Topic, "topic", "", "Current topic")
	cf.StringSliceVar(&contextSnap.OpenLoops, "open-loop", nil, "Open loops in play")

	feedbackCmd.Flags().BoolVar(&feedbackNotUseful, "not-useful", false, "Record that the surfaced memory did not help")
}
