package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/notify"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/den"
)

var answerBy string

var answerCmd = &cobra.Command{
	Use:   "answer <decision-id> <answer>",
	Short: "Answer a pending decision",
	Long: `Answer a decision raised by a worker. The answer must be one of the
decision's recorded options; the awaiting worker picks it up and resumes.

The decision id may be abbreviated to a unique prefix (the 8-character
form shown by 'drey decisions' works).`,
	Args: cobra.ExactArgs(2),
	RunE: runAnswer,
}

func init() {
	answerCmd.Flags().StringVar(&answerBy, "by", "", "Record who answered (defaults to $USER)")
	rootCmd.AddCommand(answerCmd)
}

func runAnswer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var notifier den.Notifier
	if cfg.Bus.RedisURL != "" {
		client, err := busClient(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		notifier = notify.NewRedis(client)
	}

	queue := den.NewDecisionQueue(cfg.Layout(), notifier)

	d, err := resolveDecision(queue, args[0])
	if err != nil {
		return err
	}

	answer := args[1]
	answerer := answererName(answerBy)

	if err := queue.Answer(cmd.Context(), d.ID, answer, answerer); err != nil {
		switch {
		case errors.Is(err, den.ErrInvalidAnswer):
			return printer.Error(
				fmt.Sprintf("%q is not an option for this decision", answer),
				fmt.Sprintf("Question: %s", d.Question),
				[]string{fmt.Sprintf("Answer with one of: %s", strings.Join(d.Options, ", "))},
			)
		case errors.Is(err, den.ErrAlreadyAnswered):
			return printer.Error(
				"decision already answered",
				err.Error(),
				[]string{"See the recorded answer:\n  drey decisions " + d.ID},
			)
		case errors.Is(err, den.ErrDecisionClosed):
			return printer.Error(
				"decision is closed",
				err.Error(),
				[]string{"List decisions still pending:\n  drey decisions"},
			)
		}
		return err
	}

	printer.Success("Answered %s: %q (by %s)\n", formatDecisionID(d.ID), answer, answerer)
	return nil
}

// resolveDecision finds a decision by full id or unique prefix.
func resolveDecision(queue *den.DecisionQueue, id string) (*den.Decision, error) {
	d, err := queue.Get(id)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, den.ErrDecisionNotFound) {
		return nil, err
	}

	all, listErr := queue.List()
	if listErr != nil {
		return nil, listErr
	}
	var matches []*den.Decision
	for _, cand := range all {
		if strings.HasPrefix(cand.ID, id) {
			matches = append(matches, cand)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, printer.Error(
			fmt.Sprintf("no decision matches %q", id),
			"The id is not a known decision or a prefix of one.",
			[]string{"List decisions:\n  drey decisions --all"},
		)
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, printer.Error(
			fmt.Sprintf("%q matches %d decisions", id, len(matches)),
			strings.Join(ids, "\n"),
			[]string{"Use a longer prefix or the full id"},
		)
	}
}

// formatDecisionID shortens an id for display the way the tables do.
func formatDecisionID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
