package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felipemaragno/settle/internal/domain"
)

func newMigrateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := root.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return err
		},
	}
}

func newStatusCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <event-id>",
		Short: "Show the processing state of a provider event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := root.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			status, err := b.Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status %s: %w", args[0], err)
			}
			return root.out(cmd).status(status)
		},
	}
}

type deadLettersOptions struct {
	limit int
}

func newDeadLettersCommand(root *RootOptions) *cobra.Command {
	opts := &deadLettersOptions{}

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List events parked after exhausting their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.limit < 1 {
				return fmt.Errorf("%w: --limit must be positive", domain.ErrInvalidInput)
			}
			b, err := root.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			list, err := b.ListDeadLetters(cmd.Context(), opts.limit)
			if err != nil {
				return err
			}
			return root.out(cmd).statuses(list)
		},
	}

	cmd.Flags().IntVar(&opts.limit, "limit", 50, "maximum number of events to list")
	return cmd
}

func newReplayCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Run one more attempt for a dead-lettered event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := root.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			res, err := b.Replay(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("replay %s: %w", args[0], err)
			}

			out := root.out(cmd)
			view := map[string]any{"outcome": res.Outcome, "message": res.Message, "event": res.Event}
			if done, err := out.json(view); done {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "outcome: %s\n", res.Outcome)
			if res.Event != nil {
				return out.status(*res.Event)
			}
			return nil
		},
	}
}

func newBalanceCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("%w: user id: %v", domain.ErrInvalidInput, err)
			}
			b, err := root.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			balance, err := b.Balance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if done, err := root.out(cmd).json(map[string]any{"user_id": userID, "balance": balance}); done {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", balance)
			return err
		},
	}
}

type createUserOptions struct {
	id    string
	email string
}

func newCreateUserCommand(root *RootOptions) *cobra.Command {
	opts := &createUserOptions{}

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Register a user that checkout events can credit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := uuid.New()
			if opts.id != "" {
				parsed, err := uuid.Parse(opts.id)
				if err != nil {
					return fmt.Errorf("%w: --id: %v", domain.ErrInvalidInput, err)
				}
				userID = parsed
			}
			b, err := root.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.CreateUser(cmd.Context(), userID, opts.email); err != nil {
				return err
			}
			if done, err := root.out(cmd).json(map[string]any{"user_id": userID, "email": opts.email}); done {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), userID)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.email, "email", "", "user email (required)")
	cmd.Flags().StringVar(&opts.id, "id", "", "user id (generated when empty)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

type publishOptions struct {
	file string
}

func newPublishCommand(root *RootOptions) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a verified provider event to the ingest topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if opts.file == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(opts.file)
			}
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}

			ev, err := domain.ParseProviderEvent(body)
			if err != nil {
				return err
			}
			if err := ev.Validate(); err != nil {
				return err
			}

			b, err := root.backend(cmd)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Publish(cmd.Context(), ev); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", ev.ID)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "-", "event JSON file, - for stdin")
	return cmd
}
