package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cartengine/internal/engine"
	"github.com/roach88/cartengine/internal/model"
)

// dateLayouts are accepted by --start and --end.
var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC 3339", s)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withCart opens the cart, runs fn and saves. A save failure after a
// successful fn is still reported.
func withCart(opts *RootOptions, cmd *cobra.Command, fn func(*OutputFormatter, *session) error, extra ...engine.Option) error {
	ctx := commandContext(cmd)
	f := newFormatter(opts, cmd)

	s, err := openCart(ctx, opts, extra...)
	if err != nil {
		return f.Fail("failed to open cart", err)
	}
	f.VerboseLog("Opened scope %s (%d line(s))", s.cfg.ScopeID, s.engine.Len())

	runErr := fn(f, s)
	if err := s.close(ctx); err != nil && runErr == nil {
		return f.Fail("failed to save cart", err)
	}
	return runErr
}

// ItemView is one cart line as printed by the CLI.
type ItemView struct {
	Key          string     `json:"key"`
	CatalogID    string     `json:"catalogId"`
	DisplayName  string     `json:"displayName"`
	Category     string     `json:"category,omitempty"`
	SerialNumber string     `json:"serialNumber,omitempty"`
	Quantity     int        `json:"quantity"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	Override     bool       `json:"override,omitempty"`
}

// CartView is the cart as printed by list and the mutation commands.
type CartView struct {
	Scope         string     `json:"scope"`
	Items         []ItemView `json:"items"`
	TotalQuantity int        `json:"totalQuantity"`
}

func viewCart(e *engine.Engine) CartView {
	items := e.Items()
	v := CartView{Scope: e.ScopeID(), Items: make([]ItemView, 0, len(items))}
	for _, it := range items {
		iv := ItemView{
			Key:          it.Key(),
			CatalogID:    it.CatalogID,
			DisplayName:  it.DisplayName,
			Category:     it.Category,
			SerialNumber: it.SerialNumber,
			Quantity:     it.Quantity,
			Override:     it.DateOverride != nil,
		}
		if r, ok := e.EffectiveRange(iv.Key); ok {
			iv.Start, iv.End = &r.Start, &r.End
		}
		v.Items = append(v.Items, iv)
		v.TotalQuantity += it.Quantity
	}
	return v
}

// Text implements Texter.
func (v CartView) Text() string {
	if len(v.Items) == 0 {
		return fmt.Sprintf("Cart %s is empty\n", v.Scope)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Cart %s: %d line(s), %d unit(s)\n", v.Scope, len(v.Items), v.TotalQuantity)
	for _, it := range v.Items {
		dates := "no dates"
		if it.Start != nil {
			dates = it.Start.Format(time.RFC3339) + " -> " + it.End.Format(time.RFC3339)
			if it.Override {
				dates += " (override)"
			}
		}
		fmt.Fprintf(&b, "  %-24s x%-3d %s [%s]\n", it.Key, it.Quantity, it.DisplayName, dates)
	}
	return b.String()
}

// MutationResult reports a single cart change.
type MutationResult struct {
	Operation string   `json:"operation"`
	Key       string   `json:"key,omitempty"`
	Outcome   string   `json:"outcome,omitempty"`
	Removed   *bool    `json:"removed,omitempty"`
	Cleared   *int     `json:"cleared,omitempty"`
	Cart      CartView `json:"cart"`
}

// Text implements Texter.
func (r MutationResult) Text() string {
	var head string
	switch {
	case r.Outcome != "":
		head = fmt.Sprintf("%s %s: %s", r.Operation, r.Key, r.Outcome)
	case r.Removed != nil && !*r.Removed:
		head = fmt.Sprintf("%s %s: not in cart", r.Operation, r.Key)
	case r.Cleared != nil:
		head = fmt.Sprintf("%s: %d line(s) removed", r.Operation, *r.Cleared)
	default:
		head = fmt.Sprintf("%s %s: ok", r.Operation, r.Key)
	}
	return "✓ " + head + "\n" + r.Cart.Text()
}

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	Name     string
	Serial   string
	Category string
	Quantity int
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <catalog-id>",
		Short: "Add an item to the cart",
		Long: `Add an item to the cart.

Items with a serial number are individual units and always have quantity 1;
adding the same unit twice is rejected. Other items merge into one line and
their quantity is capped at the configured per-item maximum.

Examples:
  cartctl add tripod-1 --name "Carbon Tripod" --qty 2
  cartctl add cam-1 --name "Cinema Camera" --serial SN001`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := model.ItemDescriptor{
				CatalogID:    args[0],
				DisplayName:  opts.Name,
				Category:     opts.Category,
				SerialNumber: opts.Serial,
			}
			if desc.DisplayName == "" {
				desc.DisplayName = args[0]
			}
			return withCart(opts.RootOptions, cmd, func(f *OutputFormatter, s *session) error {
				outcome, err := s.engine.AddItem(desc, opts.Quantity)
				if err != nil {
					return f.Fail("add failed", err)
				}
				return f.Success(MutationResult{
					Operation: "add",
					Key:       desc.Key(),
					Outcome:   string(outcome),
					Cart:      viewCart(s.engine),
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "display name (defaults to the catalog id)")
	cmd.Flags().StringVar(&opts.Serial, "serial", "", "serial number of an individual unit")
	cmd.Flags().StringVar(&opts.Category, "category", "", "catalog category")
	cmd.Flags().IntVarP(&opts.Quantity, "qty", "q", 1, "quantity to add")

	return cmd
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove a line from the cart",
		Long: `Remove a line from the cart by key.

The key is the catalog id, or "catalogId:serialNumber" for individual
units. Removing a key that is not in the cart is not an error.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCart(rootOpts, cmd, func(f *OutputFormatter, s *session) error {
				removed := s.engine.RemoveItem(args[0])
				return f.Success(MutationResult{
					Operation: "remove",
					Key:       model.NormalizeID(args[0]),
					Removed:   &removed,
					Cart:      viewCart(s.engine),
				})
			})
		},
	}
}

// NewSetQuantityCommand creates the set-qty command.
func NewSetQuantityCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-qty <key> <quantity>",
		Short: "Set a line's quantity",
		Long: `Set a line's quantity. Zero or less removes the line.

Quantities above the per-item maximum are rejected rather than capped.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid quantity %q", args[1]))
			}
			return withCart(rootOpts, cmd, func(f *OutputFormatter, s *session) error {
				if err := s.engine.UpdateQuantity(args[0], qty); err != nil {
					return f.Fail("set-qty failed", err)
				}
				return f.Success(MutationResult{
					Operation: "set-qty",
					Key:       model.NormalizeID(args[0]),
					Cart:      viewCart(s.engine),
				})
			})
		},
	}
}

// SetDatesOptions holds flags for the set-dates command.
type SetDatesOptions struct {
	*RootOptions
	Start string
	End   string
	Clear bool
}

// NewSetDatesCommand creates the set-dates command.
func NewSetDatesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SetDatesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set-dates <key>",
		Short: "Override a line's rental period",
		Long: `Override a line's rental period, or clear the override with --clear.

Lines without an override use the configured ambient period.

Examples:
  cartctl set-dates tripod-1 --start 2024-07-01 --end 2024-07-04
  cartctl set-dates tripod-1 --clear`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := opts.dates()
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}
			return withCart(opts.RootOptions, cmd, func(f *OutputFormatter, s *session) error {
				if err := s.engine.SetItemDateOverride(args[0], start, end); err != nil {
					return f.Fail("set-dates failed", err)
				}
				return f.Success(MutationResult{
					Operation: "set-dates",
					Key:       model.NormalizeID(args[0]),
					Cart:      viewCart(s.engine),
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Start, "start", "", "start of the rental period")
	cmd.Flags().StringVar(&opts.End, "end", "", "end of the rental period")
	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "remove the override")
	cmd.MarkFlagsMutuallyExclusive("clear", "start")
	cmd.MarkFlagsMutuallyExclusive("clear", "end")

	return cmd
}

// dates parses the flags. A half-specified range is passed through so the
// engine reports it.
func (o *SetDatesOptions) dates() (start, end *time.Time, err error) {
	if o.Clear {
		return nil, nil, nil
	}
	if o.Start == "" && o.End == "" {
		return nil, nil, fmt.Errorf("set --start and --end, or --clear")
	}
	if o.Start != "" {
		t, err := parseDate(o.Start)
		if err != nil {
			return nil, nil, err
		}
		start = &t
	}
	if o.End != "" {
		t, err := parseDate(o.End)
		if err != nil {
			return nil, nil, err
		}
		end = &t
	}
	return start, end, nil
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "Show the cart",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCart(rootOpts, cmd, func(f *OutputFormatter, s *session) error {
				return f.Success(viewCart(s.engine))
			})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "clear",
		Short:         "Remove every line from the cart",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCart(rootOpts, cmd, func(f *OutputFormatter, s *session) error {
				n := s.engine.Clear()
				return f.Success(MutationResult{
					Operation: "clear",
					Cleared:   &n,
					Cart:      viewCart(s.engine),
				})
			})
		},
	}
}
