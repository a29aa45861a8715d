package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/harness"
	"github.com/roach88/pairlock/internal/pairing"
)

// LinkResult is the JSON payload of a successful link.
type LinkResult struct {
	ID      entity.ID `json:"id"`
	Partner entity.ID `json:"partner_id"`
}

func (r LinkResult) Text() string {
	return fmt.Sprintf("linked %d and %d", r.ID, r.Partner)
}

// NewCreateCommand creates the create command.
func NewCreateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create an unlinked entity",
		Example: `  pairlock create Ann
  pairlock create "Ann Lee" --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(opts, cmd)
			return withService(cmd.Context(), opts, func(svc *pairing.Service) error {
				view, err := svc.Create(cmd.Context(), args[0])
				if err != nil {
					return reportError(f, err)
				}
				return f.Success(viewResult(view))
			})
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <id>",
		Short:         "Show an entity",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			f := formatter(opts, cmd)
			return withService(cmd.Context(), opts, func(svc *pairing.Service) error {
				view, err := svc.Get(cmd.Context(), id)
				if err != nil {
					return reportError(f, err)
				}
				return f.Success(viewResult(view))
			})
		},
	}
}

// NewLinkCommand creates the link command.
func NewLinkCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "link <id> <other-id>",
		Short: "Pair two unlinked entities",
		Long: `Pair two entities with each other.

Both must exist and neither may already have a partner. Either both
partner ids are written or neither is.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := parseID(args[0])
			if err != nil {
				return err
			}
			b, err := parseID(args[1])
			if err != nil {
				return err
			}
			f := formatter(opts, cmd)
			return withService(cmd.Context(), opts, func(svc *pairing.Service) error {
				if err := svc.Link(cmd.Context(), a, b); err != nil {
					return reportError(f, err)
				}
				return f.Success(LinkResult{ID: a, Partner: b})
			})
		},
	}
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "update <id> <new-name>",
		Short:         "Rename an entity",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			f := formatter(opts, cmd)
			return withService(cmd.Context(), opts, func(svc *pairing.Service) error {
				view, err := svc.Update(cmd.Context(), id, args[1])
				if err != nil {
					return reportError(f, err)
				}
				return f.Success(viewResult(view))
			})
		},
	}
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func parseID(s string) (entity.ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid id %q: must be a positive integer", s))
	}
	return entity.ID(n), nil
}

// viewResult is an entity view with a tab-separated text form:
// id, name and partner id or "-".
type viewResult entity.View

func (v viewResult) Text() string {
	if v.PartnerID == nil {
		return fmt.Sprintf("%d\t%s\t-", v.ID, v.Name)
	}
	return fmt.Sprintf("%d\t%s\t%d", v.ID, v.Name, *v.PartnerID)
}

// reportError writes err with its code and maps it to an exit code:
// business and concurrency errors exit 1, anything else 2.
func reportError(f *OutputFormatter, err error) error {
	code := harness.ErrorCode(err)
	exit := ExitFailure
	if code == harness.CodeError {
		exit = ExitCommandError
	}

	var details any
	var nf *entity.NotFoundError
	var ap *entity.AlreadyPairedError
	switch {
	case errors.As(err, &nf):
		details = map[string]entity.ID{"id": nf.ID}
	case errors.As(err, &ap):
		details = map[string]entity.ID{"id": ap.ID, "partner_id": ap.PartnerID}
	}

	return f.Fail(exit, code, err.Error(), details, err)
}
