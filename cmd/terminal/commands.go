package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/domain"
	"github.com/Definitely-Not-Chris/oragon-kaha-sub001/internal/terminal"
)

func newLoginCmd(v *viper.Viper) *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the sync server and keep the access token locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.client.Login(cmd.Context(), username, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			if err := a.store.SetSetting(terminal.SettingAccessToken, resp.AccessToken); err != nil {
				return err
			}
			if resp.OrganizationID != "" {
				if err := a.store.SetSetting(terminal.SettingOrganizationID, resp.OrganizationID); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s), token valid until %s\n", username, resp.Role, resp.ExpiresAt)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newRegisterCmd(v *viper.Viper) *cobra.Command {
	var organizationID, deviceID, name string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this device as a terminal of an organization",
		Long: `Register asks the server for a terminal number in the organization and
stores the terminal id locally. Registering the same device id again returns
the terminal that already exists.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			if organizationID == "" {
				organizationID, _, err = a.store.Setting(terminal.SettingOrganizationID)
				if err != nil {
					return err
				}
			}
			if organizationID == "" {
				return errors.New("organization id is required (--organization or sign in first)")
			}
			if deviceID == "" {
				deviceID = uuid.NewString()
			}

			resp, err := a.client.Register(cmd.Context(), organizationID, deviceID)
			if err != nil {
				return fmt.Errorf("register failed: %w", err)
			}
			if strings.TrimSpace(name) == "" {
				name = resp.Name
			}

			err = a.store.Transaction(func(tx *terminal.LocalStore) error {
				for key, value := range map[string]string{
					terminal.SettingTerminalID:        resp.TerminalID,
					terminal.SettingTerminalName:      name,
					terminal.SettingOrganizationID:    organizationID,
					terminal.SettingTerminalConfirmed: "true",
				} {
					if err := tx.SetSetting(key, value); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (terminal #%d, id %s)\n", name, resp.TerminalNumber, resp.TerminalID)
			return nil
		},
	}
	cmd.Flags().StringVar(&organizationID, "organization", "", "organization id (defaults to the signed-in account's)")
	cmd.Flags().StringVar(&deviceID, "device", "", "stable device id (random when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name kept locally and sent if the server ever loses the terminal")
	return cmd
}

func newPushCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push pending records once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.newAgent().Flush(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Packets: %d  synced: %d  failed: %d  last status: %s\n",
				res.Packets, res.Synced, res.Failed, statusOrNone(string(res.LastStatus)))
			return err
		},
	}
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.logger.Info("starting sync agent",
				zap.String("server", a.cfg.Server),
				zap.String("db", a.cfg.DB),
				zap.Duration("interval", a.cfg.Interval),
			)
			if err := a.newAgent().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show terminal identity and pending record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, key := range []string{
				terminal.SettingTerminalID,
				terminal.SettingTerminalName,
				terminal.SettingOrganizationID,
				terminal.SettingTerminalConfirmed,
				terminal.SettingLastSyncAt,
			} {
				value, _, err := a.store.Setting(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-20s %s\n", key+":", statusOrNone(value))
			}

			counts, err := a.store.PendingCounts()
			if err != nil {
				return err
			}
			kinds := make([]string, 0, len(counts))
			for kind := range counts {
				kinds = append(kinds, kind)
			}
			sort.Strings(kinds)

			fmt.Fprintln(out, "pending:")
			for _, kind := range kinds {
				fmt.Fprintf(out, "  %-16s %d\n", kind, counts[kind])
			}
			return nil
		},
	}
}

func statusOrNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newShiftCmd(v *viper.Viper) *cobra.Command {
	shift := &cobra.Command{
		Use:   "shift",
		Short: "Open or close the drawer shift and post cash movements",
	}

	var openingFloat, openedBy string
	open := &cobra.Command{
		Use:   "open",
		Short: "Open a shift with the counted opening float",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(openingFloat)
			if err != nil {
				return fmt.Errorf("opening float: %w", err)
			}
			return withPOS(cmd, v, func(pos *terminal.POS) error {
				s, err := pos.OpenShift(cmd.Context(), amount, openedBy)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Shift %s opened with %s\n", s.ID, s.OpeningFloat.StringFixed(2))
				return nil
			})
		},
	}
	open.Flags().StringVar(&openingFloat, "float", "0", "opening float")
	open.Flags().StringVar(&openedBy, "by", "", "who opened the shift")

	var counted, notes, closedBy string
	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "Close the open shift against the counted cash",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(counted)
			if err != nil {
				return fmt.Errorf("counted cash: %w", err)
			}
			return withPOS(cmd, v, func(pos *terminal.POS) error {
				s, err := pos.CloseShift(cmd.Context(), amount, notes, closedBy)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Shift %s closed: expected %s, counted %s, variance %s\n",
					s.ID, s.ExpectedCash.StringFixed(2), s.ActualCash.StringFixed(2), s.Variance.StringFixed(2))
				return nil
			})
		},
	}
	closeCmd.Flags().StringVar(&counted, "counted", "", "cash counted in the drawer")
	closeCmd.Flags().StringVar(&notes, "notes", "", "closing notes")
	closeCmd.Flags().StringVar(&closedBy, "by", "", "who closed the shift")
	_ = closeCmd.MarkFlagRequired("counted")

	var txType, txAmount, reason, performedBy string
	cash := &cobra.Command{
		Use:   "cash",
		Short: "Post a pay-in, pay-out or drop against the open shift",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(txAmount)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			return withPOS(cmd, v, func(pos *terminal.POS) error {
				ct, err := pos.PostCashTransaction(cmd.Context(), txType, amount, reason, performedBy)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s of %s recorded on shift %s\n", ct.Type, ct.Amount.StringFixed(2), ct.ShiftID)
				return nil
			})
		},
	}
	cash.Flags().StringVar(&txType, "type", "", "PAY_IN, PAY_OUT or DROP")
	cash.Flags().StringVar(&txAmount, "amount", "", "amount, greater than zero")
	cash.Flags().StringVar(&reason, "reason", "", "reason")
	cash.Flags().StringVar(&performedBy, "by", "", "who handled the cash")
	_ = cash.MarkFlagRequired("type")
	_ = cash.MarkFlagRequired("amount")

	shift.AddCommand(open, closeCmd, cash)
	return shift
}

// withPOS runs fn against the local store and then tries to push whatever
// shift it touched. The change is already saved locally if the push fails.
func withPOS(cmd *cobra.Command, v *viper.Viper, fn func(pos *terminal.POS) error) error {
	a, err := openApp(v)
	if err != nil {
		return err
	}
	defer a.Close()

	var touched []terminal.Ref
	pos := terminal.NewPOS(a.store, func(refs ...terminal.Ref) {
		touched = append(touched, refs...)
	}, a.logger.Named("pos"))
	if err := fn(pos); err != nil {
		return err
	}
	if len(touched) == 0 {
		return nil
	}

	if _, err := a.newAgent().FlushRefs(cmd.Context(), touched); err != nil {
		a.logger.Warn("saved locally, push deferred", zap.Error(err))
		fmt.Fprintln(cmd.OutOrStdout(), "Saved locally; it will be pushed on the next sync.")
	}
	return nil
}

func newSaleCmd(v *viper.Viper) *cobra.Command {
	var items []string
	var payment, customerID, tax, discount, serviceCharge string

	cmd := &cobra.Command{
		Use:   "sale",
		Short: "Record a completed sale",
		Long: `Record a completed sale in the local database. Each --item is
product_id:quantity:price with an optional :name, for example

  posterm sale --item coffee:2:120 --item bun:1:45:Bun --payment CASH

The sale and its stock movements are pushed on the next sync.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			draft := terminal.SaleDraft{PaymentMethod: payment, CustomerID: customerID}
			for _, raw := range items {
				item, err := parseSaleItem(raw)
				if err != nil {
					return err
				}
				draft.Items = append(draft.Items, item)
			}
			var err error
			if draft.Tax, err = optionalAmount("tax", tax); err != nil {
				return err
			}
			if draft.Discount, err = optionalAmount("discount", discount); err != nil {
				return err
			}
			if draft.ServiceCharge, err = optionalAmount("service charge", serviceCharge); err != nil {
				return err
			}

			return withPOS(cmd, v, func(pos *terminal.POS) error {
				sale, err := pos.CompleteSale(cmd.Context(), draft)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sale %s (invoice %s) total %s\n", sale.ID, sale.InvoiceNumber, sale.TotalAmount.StringFixed(2))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&items, "item", nil, "product_id:quantity:price[:name], repeatable")
	cmd.Flags().StringVar(&payment, "payment", "CASH", "payment method")
	cmd.Flags().StringVar(&customerID, "customer", "", "customer id")
	cmd.Flags().StringVar(&tax, "tax", "", "tax amount")
	cmd.Flags().StringVar(&discount, "discount", "", "discount amount")
	cmd.Flags().StringVar(&serviceCharge, "service-charge", "", "service charge amount")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func parseSaleItem(raw string) (domain.SaleItem, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) < 3 {
		return domain.SaleItem{}, fmt.Errorf("item %q: want product_id:quantity:price[:name]", raw)
	}
	qty, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return domain.SaleItem{}, fmt.Errorf("item %q quantity: %w", raw, err)
	}
	price, err := decimal.NewFromString(parts[2])
	if err != nil {
		return domain.SaleItem{}, fmt.Errorf("item %q price: %w", raw, err)
	}
	item := domain.SaleItem{ProductID: parts[0], Quantity: qty, PriceAtSale: price, Name: parts[0]}
	if len(parts) == 4 && parts[3] != "" {
		item.Name = parts[3]
	}
	return item, nil
}

func optionalAmount(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func newStockCmd(v *viper.Viper) *cobra.Command {
	var productID, movementType, reason, reference string
	var quantity int64

	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Record a stock movement (purchase, adjustment or return)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPOS(cmd, v, func(pos *terminal.POS) error {
				m, err := pos.RecordStockMovement(cmd.Context(), domain.StockMovement{
					ProductID:      productID,
					Type:           movementType,
					QuantityChange: quantity,
					Reason:         reason,
					ReferenceID:    reference,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %+d of %s recorded (%s)\n", m.Type, m.QuantityChange, m.ProductID, m.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&productID, "product", "", "product id")
	cmd.Flags().StringVar(&movementType, "type", domain.MovementPurchase, "PURCHASE, ADJUSTMENT or RETURN")
	cmd.Flags().Int64Var(&quantity, "qty", 0, "signed quantity change")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	cmd.Flags().StringVar(&reference, "ref", "", "reference id, such as a delivery note")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func newCustomerCmd(v *viper.Viper) *cobra.Command {
	var c domain.Customer

	cmd := &cobra.Command{
		Use:   "customer",
		Short: "Add or update a customer",
		Long: `Add a customer, or update one when --id names an existing record.
The last saved version wins on the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Type = strings.ToUpper(strings.TrimSpace(c.Type))
			return withPOS(cmd, v, func(pos *terminal.POS) error {
				saved, err := pos.SaveCustomer(cmd.Context(), c)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Customer %s saved (%s)\n", saved.Name, saved.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&c.ID, "id", "", "customer id (new when empty)")
	cmd.Flags().StringVar(&c.Name, "name", "", "customer name")
	cmd.Flags().StringVar(&c.Type, "type", domain.CustomerRegular, "REGULAR, SENIOR or PWD")
	cmd.Flags().StringVar(&c.Email, "email", "", "email")
	cmd.Flags().StringVar(&c.Phone, "phone", "", "phone")
	cmd.Flags().StringVar(&c.Address, "address", "", "address")
	cmd.Flags().StringVar(&c.TIN, "tin", "", "tax identification number")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
