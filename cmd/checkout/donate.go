package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"donation-service/internal/checkout"
	"donation-service/internal/gateway"
	"donation-service/internal/intent"
	"donation-service/internal/model"
	"donation-service/internal/payload"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func donateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "donate",
		Short: "Submit a donation and follow it through the gateway checkout",
		Long: `Submit a donation and follow it through the gateway checkout.

After the order is created, type "approve" once the payment was approved in
the gateway window, or "cancel" to abandon the donation.`,
		RunE: runDonate,
	}

	cmd.Flags().String("first-name", "", "Donor first name")
	cmd.Flags().String("last-name", "", "Donor last name")
	cmd.Flags().String("email", "", "Donor email")
	cmd.Flags().String("amount", "", "Donation amount, e.g. 50 or 100000")
	cmd.Flags().String("gateway", "paypal", "Gateway: paypal (USD) or epayco (COP)")
	cmd.Flags().String("campaign", "", "Campaign id")
	cmd.Flags().String("country", "", "Billing country (ISO-2)")
	cmd.Flags().String("lang", "", "Donor language, en for PayPal and es for ePayco by default")
	cmd.Flags().String("idempotency-key", "", "Idempotency key, generated when empty")
	cmd.Flags().Int("poll-timeout-ms", 120_000, "How long to wait for an asynchronous confirmation")

	return cmd
}

func runDonate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	flags := cmd.Flags()
	str := func(name string) string {
		v, _ := flags.GetString(name)
		return v
	}

	amount, err := decimal.NewFromString(str("amount"))
	if err != nil {
		return errors.Errorf("invalid amount %q", str("amount"))
	}
	gw, err := model.ParseGateway(str("gateway"))
	if err != nil {
		return err
	}

	form := payload.Donation{
		FirstName:  str("first-name"),
		LastName:   str("last-name"),
		Email:      str("email"),
		Amount:     amount,
		Currency:   string(gw.Currency()),
		Gateway:    string(gw),
		CampaignID: str("campaign"),
		Country:    str("country"),
		Lang:       str("lang"),
	}

	key := str("idempotency-key")
	if key == "" {
		key = uuid.NewString()
	}

	logger := newLogger(cmd)
	backend := newBackend(cmd, logger)
	pollTimeout, _ := flags.GetInt("poll-timeout-ms")
	poller := checkout.NewPoller(backend, 0, pollTimeout)

	var adapter checkout.Adapter
	switch gw {
	case model.GatewayEpayco:
		adapter = checkout.NewEpaycoAdapter(backend, terminalWidget{out: cmd.OutOrStdout()}, poller)
	default:
		adapter = checkout.NewPayPalAdapter(backend, poller)
	}

	// bounds are enforced by the service; the local pass catches typos early
	manager := intent.NewManager(backend, intent.Rules{}, logger)
	rec, err := manager.Submit(ctx, form, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Donation %s created (%s %s via %s)\n", rec.ID, rec.Amount.StringFixed(2), rec.Currency, rec.Gateway)

	reporter := terminalReporter{out: cmd.OutOrStdout()}
	presenter := checkout.NewPresenter(announcingAdapter{Adapter: adapter, out: cmd.OutOrStdout()}, backend, reporter, rec.Lang, logger)

	fmt.Fprintln(cmd.OutOrStdout(), `Type "approve [order id]" after approving the payment, or "cancel".`)
	events := make(chan checkout.Event)
	go readEvents(ctx, cmd.InOrStdin(), cmd.ErrOrStderr(), events)

	state, err := presenter.Run(ctx, rec, events)
	if errors.Is(err, checkout.ErrCancelled) {
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Checkout finished: %s\n", state)
	return nil
}

// readEvents turns terminal lines into widget events. Unknown input is
// reported on errOut.
func readEvents(ctx context.Context, in io.Reader, errOut io.Writer, events chan<- checkout.Event) {
	defer close(events)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var ev checkout.Event
		switch strings.ToLower(fields[0]) {
		case "approve", "a":
			ev = checkout.Event{Kind: checkout.EventApprove}
			if len(fields) > 1 {
				ev.OrderID = fields[1]
			}
		case "cancel", "c":
			ev = checkout.Event{Kind: checkout.EventCancel}
		default:
			fmt.Fprintf(errOut, "Unknown command %q\n", fields[0])
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// announcingAdapter prints the gateway order so the donor can approve it.
type announcingAdapter struct {
	checkout.Adapter
	out io.Writer
}

func (a announcingAdapter) CreateOrder(ctx context.Context, rec *model.DonationRecord) (*gateway.Order, error) {
	order, err := a.Adapter.CreateOrder(ctx, rec)
	if err == nil {
		fmt.Fprintf(a.out, "Gateway order %s created\n", order.ExternalOrderID)
	}
	return order, err
}

type terminalWidget struct {
	out io.Writer
}

func (w terminalWidget) Open(_ context.Context, c *payload.EpaycoCheckout) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(w.out, "Open the ePayco checkout with:\n%s\n", data)
	return nil
}

type terminalReporter struct {
	out io.Writer
}

func (r terminalReporter) Approved(_ context.Context, receipt checkout.Receipt, message string) {
	fmt.Fprintln(r.out, message)
	fmt.Fprintf(r.out, "Order %s, reference %s\n", receipt.ExternalOrderID, receipt.ReferenceCode)
}

func (r terminalReporter) Failed(_ context.Context, message string) {
	fmt.Fprintln(r.out, message)
}

func (r terminalReporter) Cancelled(context.Context) {
	fmt.Fprintln(r.out, "Donation cancelled.")
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func newBackend(cmd *cobra.Command, logger *slog.Logger) *checkout.Backend {
	server, _ := cmd.Flags().GetString("server")
	timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")
	return checkout.NewBackend(server, timeoutMs, logger)
}
