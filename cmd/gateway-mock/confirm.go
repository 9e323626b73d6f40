package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"donation-service/internal/gateway/epayco"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type confirmation struct {
	Invoice    string
	Amount     decimal.Decimal
	Currency   string
	Code       int
	Reason     string
	CustomerID string
	PKey       string
}

// values builds a signed notification the way ePayco posts it to the
// confirmation URL.
func (c confirmation) values() url.Values {
	refPayco := strconv.Itoa(10_000_000 + int(uuid.New().ID()%89_999_999))
	transactionID := strconv.FormatInt(time.Now().UnixNano()%1_000_000_000_000, 10)
	amount := c.Amount.StringFixed(2)

	v := url.Values{}
	v.Set("x_id_invoice", c.Invoice)
	v.Set("x_ref_payco", refPayco)
	v.Set("x_transaction_id", transactionID)
	v.Set("x_amount", amount)
	v.Set("x_currency_code", c.Currency)
	v.Set("x_cod_response", strconv.Itoa(c.Code))
	v.Set("x_transaction_state", stateName(c.Code))
	v.Set("x_response_reason_text", c.Reason)
	if id, err := epayco.DonationID(c.Invoice); err == nil {
		v.Set("x_extra1", id.String())
	}
	v.Set("x_signature", epayco.Sign(c.CustomerID, c.PKey, refPayco, transactionID, amount, c.Currency))
	return v
}

func stateName(code int) string {
	switch code {
	case epayco.CodeAccepted:
		return "Aceptada"
	case epayco.CodeRejected:
		return "Rechazada"
	case epayco.CodePending:
		return "Pendiente"
	case epayco.CodeAbandoned:
		return "Abandonada"
	case epayco.CodeCancelled:
		return "Cancelada"
	default:
		return "Fallida"
	}
}

func sendConfirmation(ctx context.Context, client *http.Client, target string, c confirmation) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(c.values().Encode()))
	if err != nil {
		return 0, "", errors.Wrap(err, "build confirmation request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", errors.Wrap(err, "post confirmation")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", errors.Wrap(err, "read confirmation response")
	}
	return resp.StatusCode, string(body), nil
}

func confirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm [invoice]",
		Short: "Post a signed ePayco confirmation for an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			target, _ := flags.GetString("url")
			rawAmount, _ := flags.GetString("amount")
			code, _ := flags.GetInt("code")
			reason, _ := flags.GetString("reason")
			customerID, _ := flags.GetString("customer-id")
			pKey, _ := flags.GetString("p-key")

			amount, err := decimal.NewFromString(rawAmount)
			if err != nil {
				return errors.Errorf("invalid amount %q", rawAmount)
			}

			status, body, err := sendConfirmation(cmd.Context(), &http.Client{Timeout: 15 * time.Second}, target, confirmation{
				Invoice:    args[0],
				Amount:     amount,
				Currency:   "COP",
				Code:       code,
				Reason:     reason,
				CustomerID: customerID,
				PKey:       pKey,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", status, body)
			return nil
		},
	}

	cmd.Flags().String("url", "http://localhost:8080/api/epayco/confirmation", "Confirmation URL")
	cmd.Flags().String("amount", "", "Transaction amount in COP")
	cmd.Flags().Int("code", epayco.CodeAccepted, "x_cod_response: 1 accepted, 2 rejected, 3 pending, 4 failed, 10 abandoned, 11 cancelled")
	cmd.Flags().String("reason", "", "x_response_reason_text")
	cmd.Flags().String("customer-id", "", "ePayco customer id (P_CUST_ID_CLIENTE)")
	cmd.Flags().String("p-key", "", "ePayco P_KEY")
	return cmd
}
