package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"nowver/internal/chain"
	"nowver/internal/registry"
)

func newSummaryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show owner, pause state, base URI, token count and custody",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			summary, err := c.Summary(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var (
		id     uint64
		supply uint64
		price  string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new token with a limited supply",
		Example: `  nowverctl register --as 0xOwner --id 1 --supply 50 --price 10000000000
  nowverctl register --as 0xOwner --id 3 --supply 500 --price 0.01ether`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(price)
			if err != nil {
				return fmt.Errorf("--price: %w", err)
			}
			c, err := opts.writer()
			if err != nil {
				return err
			}
			ev, err := c.RegisterToken(cmd.Context(), registry.TokenID(id), supply, amount)
			if err != nil {
				return err
			}
			return printEvent(cmd.OutOrStdout(), ev)
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "id of the token to register")
	cmd.Flags().Uint64Var(&supply, "supply", 0, "max supply for this token")
	cmd.Flags().StringVar(&price, "price", "0", "price of one unit")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("supply")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var id uint64
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Show a registered token class",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			class, err := c.TokenClass(cmd.Context(), registry.TokenID(id))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), class)
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "token id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newURICmd(opts *rootOptions) *cobra.Command {
	var id uint64
	cmd := &cobra.Command{
		Use:   "uri",
		Short: "Print the metadata base URI and the metadata URI of a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			summary, err := c.Summary(cmd.Context())
			if err != nil {
				return err
			}
			uri, err := c.URI(cmd.Context(), registry.TokenID(id))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "metadataBaseURI: %s\n", summary.MetadataBaseURI)
			fmt.Fprintf(out, "uri: %s\n", uri)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "id of the token metadata to retrieve")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newSetURICmd(opts *rootOptions) *cobra.Command {
	var uri string
	cmd := &cobra.Command{
		Use:   "set-uri",
		Short: "Update the metadata base URI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.writer()
			if err != nil {
				return err
			}
			ev, err := c.SetURI(cmd.Context(), uri)
			if err != nil {
				return err
			}
			return printEvent(cmd.OutOrStdout(), ev)
		},
	}
	cmd.Flags().StringVar(&uri, "uri", "", "new metadata URI, ipfs hash or api url")
	_ = cmd.MarkFlagRequired("uri")
	return cmd
}

func newMintCmd(opts *rootOptions) *cobra.Command {
	var (
		id      uint64
		count   int
		payment string
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint units of a token, one payment per unit",
		Long: `Mint units of a token, one payment per unit.

Without --payment the registered price is paid. Failed mints are reported
and the remaining count is still attempted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.writer()
			if err != nil {
				return err
			}
			tokenID := registry.TokenID(id)

			var amount chain.Amount
			if payment != "" {
				if amount, err = parseAmount(payment); err != nil {
					return fmt.Errorf("--payment: %w", err)
				}
			} else {
				class, err := c.TokenClass(cmd.Context(), tokenID)
				if err != nil {
					return err
				}
				amount = class.Price
			}

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			var failed int
			for i := 1; i <= count; i++ {
				ev, err := c.Mint(cmd.Context(), tokenID, amount)
				if err != nil {
					failed++
					fmt.Fprintf(errOut, "failed to mint token %d: %v\n", i, err)
					if errors.Is(err, registry.ErrSoldOut) {
						break
					}
					continue
				}
				minted := ev.(registry.TokenMintedEvent)
				fmt.Fprintf(out, "token id %s - count %d - minted %d\n", tokenID, i, minted.Minted)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d mints failed", failed, count)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "id of the token to mint")
	cmd.Flags().IntVar(&count, "count", 1, "number of units to mint")
	cmd.Flags().StringVar(&payment, "payment", "", "payment per unit (default: registered price)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newBalanceCmd(opts *rootOptions) *cobra.Command {
	var (
		account string
		id      uint64
	)
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show how many units of a token an account holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := chain.ParseAddress(account)
			if err != nil {
				return fmt.Errorf("--account: %w", err)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			balance, err := c.BalanceOf(cmd.Context(), addr, registry.TokenID(id))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), registry.Holding{Account: addr, TokenID: registry.TokenID(id), Quantity: balance})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "holder address")
	cmd.Flags().Uint64Var(&id, "id", 0, "token id")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newTransferCmd(opts *rootOptions) *cobra.Command {
	var (
		from, to string
		id       uint64
		quantity uint64
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move units of a token between accounts",
		Long: `Move units of a token between accounts.

--from defaults to the caller. Moving another holder's units requires an
approval from that holder.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.writer()
			if err != nil {
				return err
			}
			if from == "" {
				from = opts.caller
			}
			fromAddr, err := chain.ParseAddress(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			toAddr, err := chain.ParseAddress(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			ev, err := c.Transfer(cmd.Context(), fromAddr, toAddr, registry.TokenID(id), quantity)
			if err != nil {
				return err
			}
			return printEvent(cmd.OutOrStdout(), ev)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "holder address (default: --as)")
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().Uint64Var(&id, "id", 0, "token id")
	cmd.Flags().Uint64Var(&quantity, "quantity", 1, "units to move")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newApproveCmd(opts *rootOptions) *cobra.Command {
	var (
		operator string
		revoke   bool
	)
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Allow or revoke an operator moving all of the caller's units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := chain.ParseAddress(operator)
			if err != nil {
				return fmt.Errorf("--operator: %w", err)
			}
			c, err := opts.writer()
			if err != nil {
				return err
			}
			ev, err := c.SetApprovalForAll(cmd.Context(), addr, !revoke)
			if err != nil {
				return err
			}
			return printEvent(cmd.OutOrStdout(), ev)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator address")
	cmd.Flags().BoolVar(&revoke, "revoke", false, "revoke instead of grant")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newPauseCmd(opts *rootOptions, pause bool) *cobra.Command {
	use, short := "pause", "Stop minting and transfers"
	if !pause {
		use, short = "unpause", "Resume minting and transfers"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.writer()
			if err != nil {
				return err
			}
			var ev registry.Event
			if pause {
				ev, err = c.Pause(cmd.Context())
			} else {
				ev, err = c.Unpause(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printEvent(cmd.OutOrStdout(), ev)
		},
	}
}

func newTransferOwnershipCmd(opts *rootOptions) *cobra.Command {
	var newOwner string
	cmd := &cobra.Command{
		Use:   "transfer-ownership",
		Short: "Hand administrative rights to another address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := chain.ParseAddress(newOwner)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			c, err := opts.writer()
			if err != nil {
				return err
			}
			ev, err := c.TransferOwnership(cmd.Context(), addr)
			if err != nil {
				return err
			}
			return printEvent(cmd.OutOrStdout(), ev)
		},
	}
	cmd.Flags().StringVar(&newOwner, "to", "", "new owner address")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newWithdrawCmd(opts *rootOptions) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Release all mint payments held in custody",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.writer()
			if err != nil {
				return err
			}
			if to == "" {
				to = opts.caller
			}
			addr, err := chain.ParseAddress(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			ev, err := c.Withdraw(cmd.Context(), addr)
			if err != nil {
				return err
			}
			w := ev.(registry.WithdrawnEvent)
			fmt.Fprintf(cmd.OutOrStdout(), "withdrew %s ether to %s\n", w.Amount.Ether(), w.To)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient (default: --as)")
	return cmd
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check supply invariants; exits non-zero on violations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			violations, err := c.Audit(cmd.Context())
			if err != nil {
				return err
			}
			if len(violations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			}
			if err := printJSON(cmd.OutOrStdout(), violations); err != nil {
				return err
			}
			return fmt.Errorf("%d invariant violations", len(violations))
		},
	}
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print committed events after a cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			page, err := c.Events(cmd.Context(), after, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "cursor returned as next by a previous page")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum records scanned")
	return cmd
}
