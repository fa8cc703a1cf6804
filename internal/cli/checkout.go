package cli

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/cartengine/internal/availability"
	"github.com/roach88/cartengine/internal/booking"
	"github.com/roach88/cartengine/internal/engine"
	"github.com/roach88/cartengine/internal/ledger"
	"github.com/roach88/cartengine/internal/notify"
	"github.com/roach88/cartengine/internal/remote"
)

// CheckoutOptions holds flags for the checkout command.
type CheckoutOptions struct {
	*RootOptions
	ClientID        string
	Notes           string
	SkipCheck       bool
	Offline         bool
	AvailabilityURL string
	BookingURL      string
	AMQPURL         string
}

// NewCheckoutCommand creates the checkout command.
func NewCheckoutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckoutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Book every line in the cart",
		Long: `Check availability for every line, then submit one booking per line.

The cart is cleared only when every line was booked. On any conflict or
booking failure the cart is left unchanged and the per-line results are
printed.

Services come from the config file, or from --availability-url and
--booking-url. --offline books against an in-process ledger seeded from
the config's ledger section instead. With --amqp-url (or notify.amqpUrl)
the outcome is also published to RabbitMQ.

Exit codes:
  0 - Every line booked
  1 - The action failed or the cart was rejected
  2 - Command error (config, storage, services)

Examples:
  cartctl checkout --client client-7
  cartctl checkout --client client-7 --offline
  cartctl checkout --client client-7 --skip-check --booking-url http://booking:8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckout(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client the bookings are made for")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free-form notes logged with the action")
	cmd.Flags().BoolVar(&opts.SkipCheck, "skip-check", false, "submit without checking availability first")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "book against an in-process ledger")
	cmd.Flags().StringVar(&opts.AvailabilityURL, "availability-url", "", "availability service base URL (overrides config)")
	cmd.Flags().StringVar(&opts.BookingURL, "booking-url", "", "booking service base URL (overrides config)")
	cmd.Flags().StringVar(&opts.AMQPURL, "amqp-url", "", "RabbitMQ URL for action notifications (overrides config)")
	cmd.MarkFlagsMutuallyExclusive("offline", "availability-url")
	cmd.MarkFlagsMutuallyExclusive("offline", "booking-url")

	return cmd
}

func runCheckout(opts *CheckoutOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := newFormatter(opts.RootOptions, cmd)

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return f.Fail("failed to open cart", err)
	}

	services, err := opts.services(s)
	if err != nil {
		_ = s.close(ctx)
		return f.Fail("failed to configure services", err)
	}
	if err := s.startEngine(ctx, services...); err != nil {
		_ = s.close(ctx)
		return f.Fail("failed to open cart", err)
	}

	if url := firstNonEmpty(opts.AMQPURL, s.cfg.Notify.AMQPURL); url != "" {
		pub, err := notify.Dial(url,
			notify.WithExchange(s.cfg.Notify.Exchange),
			notify.WithLogger(s.logger),
		)
		if err != nil {
			_ = s.close(ctx)
			return f.Fail("failed to connect notifier", err)
		}
		detach := pub.Attach(s.engine.Bus())
		s.closers = append(s.closers, func() error {
			detach()
			return pub.Close()
		})
		f.VerboseLog("Publishing action events to exchange %s", firstNonEmpty(s.cfg.Notify.Exchange, notify.DefaultExchange))
	}

	f.VerboseLog("Checking out %d line(s) for %s", s.engine.Len(), opts.ClientID)
	res, actionErr := s.engine.ExecuteAction(ctx, engine.ActionRequest{
		ClientID:              opts.ClientID,
		SkipAvailabilityCheck: opts.SkipCheck,
		Notes:                 opts.Notes,
	})
	closeErr := s.close(ctx)

	switch {
	case actionErr != nil:
		return f.Fail("checkout rejected", actionErr)
	case res.Status != engine.StatusCompleted:
		view := viewAction(res)
		if f.Format == "json" {
			_ = f.encode(CLIResponse{
				Status: "error",
				Data:   view,
				Error: &CLIError{
					Code:    "E_ACTION_FAILED",
					Message: fmt.Sprintf("action failed: %s", res.Reason),
					Details: map[string]any{"failedKeys": res.FailedKeys()},
				},
			})
		} else {
			fmt.Fprint(f.Writer, view.Text())
		}
		return NewExitError(ExitFailure, fmt.Sprintf("action %s failed: %s", res.ActionID, res.Reason))
	case closeErr != nil:
		// The bookings exist; only clearing the stored cart failed.
		s.logger.Error("cart not saved after checkout", zap.Error(closeErr))
		_ = f.Success(viewAction(res))
		return WrapExitError(ExitCommandError, "failed to save cart", closeErr)
	}
	return f.Success(viewAction(res))
}

// services resolves the availability and booking services for the engine.
func (o *CheckoutOptions) services(s *session) ([]engine.Option, error) {
	var availOpts []availability.Option
	var bookOpts []booking.Option
	if n := s.cfg.Services.MaxBatch; n > 0 {
		availOpts = append(availOpts, availability.WithMaxBatch(n))
		bookOpts = append(bookOpts, booking.WithMaxBatch(n))
	}

	if o.Offline {
		l := ledger.New(
			ledger.WithStock(s.cfg.Ledger.Stock),
			ledger.WithDefaultStock(s.cfg.Ledger.DefaultStock),
		)
		return []engine.Option{
			engine.WithAvailability(l, availOpts...),
			engine.WithBooking(l, bookOpts...),
		}, nil
	}

	var httpClient *http.Client
	if d := s.cfg.Services.Timeout.Std(); d > 0 {
		httpClient = &http.Client{Timeout: d}
	}

	var out []engine.Option
	if url := firstNonEmpty(o.AvailabilityURL, s.cfg.Services.AvailabilityURL); url != "" {
		c, err := remote.NewAvailabilityClient(url, httpClient)
		if err != nil {
			return nil, err
		}
		out = append(out, engine.WithAvailability(c, availOpts...))
	} else if !o.SkipCheck {
		return nil, fmt.Errorf("no availability service: set --availability-url, services.availabilityUrl or use --offline")
	}

	url := firstNonEmpty(o.BookingURL, s.cfg.Services.BookingURL)
	if url == "" {
		return nil, fmt.Errorf("no booking service: set --booking-url, services.bookingUrl or use --offline")
	}
	c, err := remote.NewBookingClient(url, httpClient)
	if err != nil {
		return nil, err
	}
	return append(out, engine.WithBooking(c, bookOpts...)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ActionItemView is one line of a checkout result.
type ActionItemView struct {
	Key          string    `json:"key"`
	Quantity     int       `json:"quantity"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Availability string    `json:"availability,omitempty"`
	Conflicts    []string  `json:"conflicts,omitempty"`
	CheckReason  string    `json:"checkReason,omitempty"`
	Booked       bool      `json:"booked"`
	BookingID    string    `json:"bookingId,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
}

// ActionView is a checkout result as printed by the CLI.
type ActionView struct {
	ActionID   string           `json:"actionId"`
	ClientID   string           `json:"clientId"`
	Status     string           `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Cancelled  bool             `json:"cancelled,omitempty"`
	BookingIDs []string         `json:"bookingIds"`
	Items      []ActionItemView `json:"items"`
}

func viewAction(res *engine.ActionResult) ActionView {
	v := ActionView{
		ActionID:   res.ActionID,
		ClientID:   res.ClientID,
		Status:     string(res.Status),
		Reason:     string(res.Reason),
		Cancelled:  res.Cancelled,
		BookingIDs: append([]string{}, res.BookingIDs...),
		Items:      make([]ActionItemView, len(res.Items)),
	}
	for i, it := range res.Items {
		v.Items[i] = ActionItemView{
			Key:          it.Key,
			Quantity:     it.Quantity,
			Start:        it.Range.Start,
			End:          it.Range.End,
			Availability: string(it.Availability),
			Conflicts:    it.Conflicts,
			CheckReason:  it.CheckReason,
			Booked:       it.Booked,
			BookingID:    it.BookingID,
			ErrorCode:    it.ErrorCode,
		}
	}
	return v
}

// Text implements Texter.
func (v ActionView) Text() string {
	var b strings.Builder
	if v.Status == string(engine.StatusCompleted) {
		fmt.Fprintf(&b, "✓ Action %s completed for %s: %d booking(s)\n", v.ActionID, v.ClientID, len(v.BookingIDs))
	} else {
		fmt.Fprintf(&b, "✗ Action %s failed for %s: %s\n", v.ActionID, v.ClientID, v.Reason)
	}
	for _, it := range v.Items {
		var status string
		switch {
		case it.Booked:
			status = "booked " + it.BookingID
		case it.ErrorCode != "":
			status = "rejected " + it.ErrorCode
		case len(it.Conflicts) > 0:
			status = it.Availability + " (conflicts " + strings.Join(it.Conflicts, ", ") + ")"
		case it.CheckReason != "":
			status = it.Availability + " (" + it.CheckReason + ")"
		case it.Availability != "":
			status = it.Availability
		default:
			status = "not submitted"
		}
		fmt.Fprintf(&b, "  %-24s x%-3d %s\n", it.Key, it.Quantity, status)
	}
	return b.String()
}
