package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"nowver/internal/chain"
	"nowver/internal/clients"
	"nowver/internal/registry"
)

type rootOptions struct {
	server string
	caller string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "nowverctl",
		Short: "Operate a nowver token registry",
		Long: `Operate a nowver token registry over its HTTP API.

Writes act as the address given by --as (or NOWVER_CALLER). Amounts are
in wei unless suffixed with "ether", e.g. --price 0.01ether.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("NOWVER_SERVER", "http://localhost:8081"),
		"registry API base URL")
	root.PersistentFlags().StringVar(&opts.caller, "as", os.Getenv("NOWVER_CALLER"),
		"caller address for write commands")

	root.AddCommand(
		newSummaryCmd(opts),
		newRegisterCmd(opts),
		newTokenCmd(opts),
		newURICmd(opts),
		newSetURICmd(opts),
		newMintCmd(opts),
		newBalanceCmd(opts),
		newTransferCmd(opts),
		newApproveCmd(opts),
		newPauseCmd(opts, true),
		newPauseCmd(opts, false),
		newTransferOwnershipCmd(opts),
		newWithdrawCmd(opts),
		newAuditCmd(opts),
		newEventsCmd(opts),
	)
	return root
}

// client builds an API client acting as --as. Reads work without a caller.
func (o *rootOptions) client() (*clients.RegistryClient, error) {
	var caller chain.Address
	if o.caller != "" {
		var err error
		if caller, err = chain.ParseAddress(o.caller); err != nil {
			return nil, fmt.Errorf("--as: %w", err)
		}
	}
	return clients.NewRegistryClient(strings.TrimRight(o.server, "/"), caller), nil
}

func (o *rootOptions) writer() (*clients.RegistryClient, error) {
	if o.caller == "" {
		return nil, fmt.Errorf("this command needs a caller: pass --as or set NOWVER_CALLER")
	}
	return o.client()
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvent(w io.Writer, ev registry.Event) error {
	return printJSON(w, registry.EventResponse{Type: ev.EventType(), Event: ev})
}

// parseAmount reads wei, or ether when suffixed with "ether" or "eth".
func parseAmount(s string) (chain.Amount, error) {
	s = strings.TrimSpace(s)
	for _, suffix := range []string{"ether", "eth"} {
		if strings.HasSuffix(s, suffix) {
			return chain.ParseEther(strings.TrimSpace(strings.TrimSuffix(s, suffix)))
		}
	}
	return chain.ParseAmount(s)
}
