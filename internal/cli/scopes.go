package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cartengine/internal/store"
)

// ScopesResult lists the carts in storage.
type ScopesResult struct {
	Scopes []store.ScopeInfo `json:"scopes"`
}

// Text implements Texter.
func (r ScopesResult) Text() string {
	if len(r.Scopes) == 0 {
		return "No stored carts.\n"
	}
	var b strings.Builder
	for _, sc := range r.Scopes {
		if sc.Corrupt {
			fmt.Fprintf(&b, "%-24s corrupt\n", sc.ScopeID)
			continue
		}
		fmt.Fprintf(&b, "%-24s %3d line(s)  saved %s  schema v%s\n",
			sc.ScopeID, sc.ItemCount, sc.SavedAt.UTC().Format(time.RFC3339), sc.SchemaVersion)
	}
	return b.String()
}

// NewScopesCommand creates the scopes command.
func NewScopesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scopes",
		Short: "List stored carts",
		Long: `List every cart scope in storage with its line count and save time.

Records that cannot be read are listed as corrupt; they are discarded the
next time their scope is opened.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			f := newFormatter(rootOpts, cmd)

			s, err := openSession(ctx, rootOpts)
			if err != nil {
				return f.Fail("failed to open storage", err)
			}
			defer func() { _ = s.close(ctx) }()

			scopes, err := s.storage.Scopes(ctx)
			if err != nil {
				return f.Fail("failed to list scopes", err)
			}
			return f.Success(ScopesResult{Scopes: scopes})
		},
	}
}
