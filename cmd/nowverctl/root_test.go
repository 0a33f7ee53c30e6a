package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"nowver/internal/chain"
	"nowver/internal/registry"
	"nowver/pkg/eventstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerHex = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	userHex  = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

func setupServer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	svc, err := registry.NewService(ctx, eventstore.NewMemoryStore(), registry.ServiceConfig{Name: "ctl"})
	require.NoError(t, err)
	require.NoError(t, svc.Deploy(ctx, chain.MustParseAddress(ownerHex), "ipfs://base/"))

	srv := httptest.NewServer(registry.NewHandler(svc, nil).Routes())
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, server string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRegisterMintAndQuery(t *testing.T) {
	t.Setenv("NOWVER_CALLER", "")
	server := setupServer(t)

	out, _, err := run(t, server, "--as", ownerHex, "register", "--id", "1", "--supply", "3", "--price", "0.01ether")
	require.NoError(t, err)
	var registered struct {
		Type  string                        `json:"type"`
		Event registry.TokenRegisteredEvent `json:"event"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &registered))
	assert.Equal(t, registry.EventTokenRegistered, registered.Type)
	assert.Equal(t, chain.Wei(10_000_000_000_000_000), registered.Event.Price)

	out, _, err = run(t, server, "--as", userHex, "mint", "--id", "1", "--count", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "token id 1 - count 1 - minted 1")
	assert.Contains(t, out, "token id 1 - count 2 - minted 2")

	out, errOut, err := run(t, server, "--as", userHex, "mint", "--id", "1", "--count", "3")
	require.Error(t, err)
	assert.Contains(t, out, "count 1 - minted 3")
	assert.Contains(t, errOut, "failed to mint token 2")
	assert.NotContains(t, errOut, "failed to mint token 3")

	out, _, err = run(t, server, "balance", "--account", userHex, "--id", "1")
	require.NoError(t, err)
	var holding registry.Holding
	require.NoError(t, json.Unmarshal([]byte(out), &holding))
	assert.Equal(t, uint64(3), holding.Quantity)

	out, _, err = run(t, server, "uri", "--id", "1")
	require.NoError(t, err)
	assert.Equal(t, "metadataBaseURI: ipfs://base/\nuri: ipfs://base/1\n", out)

	out, _, err = run(t, server, "audit")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	out, _, err = run(t, server, "--as", ownerHex, "withdraw")
	require.NoError(t, err)
	assert.Equal(t, "withdrew 0.03 ether to "+ownerHex+"\n", out)
}

func TestWriteCommandsNeedCaller(t *testing.T) {
	t.Setenv("NOWVER_CALLER", "")
	server := setupServer(t)

	_, _, err := run(t, server, "pause")
	assert.ErrorContains(t, err, "needs a caller")

	_, _, err = run(t, server, "--as", "0x1234", "pause")
	assert.Error(t, err)
}

func TestOwnerCommandsRejectOthers(t *testing.T) {
	t.Setenv("NOWVER_CALLER", "")
	server := setupServer(t)

	_, _, err := run(t, server, "--as", userHex, "pause")
	assert.ErrorIs(t, err, registry.ErrNotOwner)

	_, _, err = run(t, server, "--as", ownerHex, "pause")
	require.NoError(t, err)
	_, _, err = run(t, server, "--as", ownerHex, "set-uri", "--uri", "ipfs://SOMECID/")
	require.NoError(t, err)
	_, _, err = run(t, server, "--as", ownerHex, "transfer-ownership", "--to", userHex)
	require.NoError(t, err)
	_, _, err = run(t, server, "--as", userHex, "unpause")
	require.NoError(t, err)

	out, _, err := run(t, server, "summary")
	require.NoError(t, err)
	var summary registry.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, chain.MustParseAddress(userHex), summary.Owner)
	assert.Equal(t, "ipfs://SOMECID/", summary.MetadataBaseURI)
	assert.False(t, summary.Paused)
}

func TestParseAmount(t *testing.T) {
	cases := map[string]chain.Amount{
		"1":         chain.Wei(1),
		"0.5ether":  chain.Wei(500_000_000_000_000_000),
		"2 eth":     chain.Wei(2_000_000_000_000_000_000),
		"20 ether":  chain.Wei(10_000_000_000_000_000_000).Mul(2),
		" 10000000": chain.Wei(10_000_000),
	}
	for in, want := range cases {
		got, err := parseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseAmount("lots")
	assert.Error(t, err)
}
