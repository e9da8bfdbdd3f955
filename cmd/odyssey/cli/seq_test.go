package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/sequence"
)

func TestSeqNextCommand(t *testing.T) {
	store := memstore.New()
	business := store.AddBusiness("Toko Maju")
	cli, err := NewSeqOpsCLI(sequence.NewGenerator(store, store))
	require.NoError(t, err)
	ctx := context.Background()

	var codes []string
	for range 2 {
		stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
		code := cli.NextCommand(ctx, SeqNextOptions{BusinessID: business, Scope: "sale", Year: 2024, Stdout: stdout, Stderr: stderr})
		require.Equal(t, ExitOK, code, stderr.String())
		codes = append(codes, strings.TrimSpace(stdout.String()))
	}
	require.Equal(t, []string{"SAL1-202400001", "SAL1-202400002"}, codes)

	stdout := new(bytes.Buffer)
	require.Equal(t, ExitOK, cli.NextCommand(ctx, SeqNextOptions{BusinessID: business, Scope: "CUSTOMER", Year: 2024, Stdout: stdout}))
	require.Equal(t, "CUS1-00001\n", stdout.String())
}

func TestSeqNextCommandRejects(t *testing.T) {
	store := memstore.New()
	business := store.AddBusiness("Toko Maju")
	cli, err := NewSeqOpsCLI(sequence.NewGenerator(store, store))
	require.NoError(t, err)
	ctx := context.Background()

	stderr := new(bytes.Buffer)
	require.Equal(t, ExitUsage, cli.NextCommand(ctx, SeqNextOptions{BusinessID: business, Scope: "INVOICE", Year: 2024, Stderr: stderr}))
	require.Contains(t, stderr.String(), "unknown scope")

	require.Equal(t, ExitUsage, cli.NextCommand(ctx, SeqNextOptions{Scope: "SALE", Year: 2024, Stderr: stderr}))
	require.Equal(t, ExitUsage, cli.NextCommand(ctx, SeqNextOptions{BusinessID: business, Scope: "SALE", Stderr: stderr}))

	store.FailOnce("StoreCounter", errors.New("disk full"))
	stderr.Reset()
	require.Equal(t, ExitFailure, cli.NextCommand(ctx, SeqNextOptions{BusinessID: business, Scope: "SALE", Year: 2024, Stderr: stderr}))
	require.Contains(t, stderr.String(), "disk full")

	_, err = NewSeqOpsCLI(nil)
	require.Error(t, err)
}
