// Package cli implements settlectl, the operator command line for inspecting
// and repairing webhook event processing.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/processor"
)

// Backend is what the commands operate on. The production implementation
// wraps the app package; tests substitute a fake.
type Backend interface {
	Migrate(ctx context.Context) error
	Status(ctx context.Context, providerEventID string) (domain.EventStatus, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.EventStatus, error)
	Replay(ctx context.Context, providerEventID string) (processor.Result, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	CreateUser(ctx context.Context, userID uuid.UUID, email string) error
	Publish(ctx context.Context, ev domain.ProviderEvent) error
	Close()
}

// Opener connects a Backend on demand so --help never touches the database.
type Opener func(ctx context.Context) (Backend, error)

type RootOptions struct {
	Format string // "json" | "text"
	open   Opener
}

func (o *RootOptions) backend(cmd *cobra.Command) (Backend, error) {
	b, err := o.open(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return b, nil
}

func (o *RootOptions) out(cmd *cobra.Command) *output {
	return &output{format: o.Format, w: cmd.OutOrStdout()}
}

func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "settlectl",
		Short: "Inspect and repair webhook event settlement",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newDeadLettersCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newBalanceCommand(opts))
	cmd.AddCommand(newCreateUserCommand(opts))
	cmd.AddCommand(newPublishCommand(opts))

	return cmd
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotDeadLettered):
		return 3
	case errors.Is(err, domain.ErrInvalidInput):
		return 2
	default:
		return 1
	}
}
