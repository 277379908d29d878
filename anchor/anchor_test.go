package anchor_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/community-ledger/anchor"
	"github.com/warp/community-ledger/ledger"
)

func sampleEntry() ledger.Entry {
	return ledger.Entry{
		ID:          "e-1",
		Kind:        ledger.KindEarnPoints,
		Subject:     "bakery",
		Counterpart: "alice",
		Amount:      ledger.MustParseMoney("12.5"),
		CreatedAt:   time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestHashChain_ReceiptsVerify(t *testing.T) {
	chain, err := anchor.NewHashChain([]byte("secret"))
	require.NoError(t, err)
	ctx := context.Background()

	first := sampleEntry()
	first.Receipt, err = chain.Anchor(ctx, ledger.RequestFor(first))
	require.NoError(t, err)

	second := sampleEntry()
	second.ID = "e-2"
	second.Receipt, err = chain.Anchor(ctx, ledger.RequestFor(second))
	require.NoError(t, err)

	assert.NotEqual(t, first.Receipt, second.Receipt)
	assert.True(t, strings.HasPrefix(first.Receipt, "b2:1:"))
	assert.True(t, strings.HasPrefix(second.Receipt, "b2:2:"))

	// The second receipt links to the first digest.
	firstDigest := first.Receipt[strings.LastIndex(first.Receipt, ":")+1:]
	assert.Contains(t, second.Receipt, ":"+firstDigest+":")

	seq, head := chain.Head()
	assert.Equal(t, uint64(2), seq)
	assert.True(t, strings.HasSuffix(second.Receipt, head))

	require.NoError(t, chain.Verify(first))
	require.NoError(t, chain.Verify(second))
}

func TestHashChain_DetectsTampering(t *testing.T) {
	chain, err := anchor.NewHashChain(nil)
	require.NoError(t, err)

	e := sampleEntry()
	e.Receipt, err = chain.Anchor(context.Background(), ledger.RequestFor(e))
	require.NoError(t, err)

	tampered := e
	tampered.Amount = ledger.MustParseMoney("125")
	assert.ErrorIs(t, chain.Verify(tampered), anchor.ErrReceiptMismatch)

	tampered = e
	tampered.Counterpart = "mallory"
	assert.ErrorIs(t, chain.Verify(tampered), anchor.ErrReceiptMismatch)

	tampered = e
	tampered.Receipt = "not-a-receipt"
	assert.ErrorIs(t, chain.Verify(tampered), anchor.ErrReceiptMismatch)

	// A chain with a different key rejects the receipt.
	other, err := anchor.NewHashChain([]byte("other"))
	require.NoError(t, err)
	assert.ErrorIs(t, other.Verify(e), anchor.ErrReceiptMismatch)
}

func TestHashChain_CancelledContext(t *testing.T) {
	chain, err := anchor.NewHashChain(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = chain.Anchor(ctx, ledger.RequestFor(sampleEntry()))
	assert.ErrorIs(t, err, context.Canceled)

	seq, _ := chain.Head()
	assert.Zero(t, seq, "no receipt issued")
}

func TestHashChain_RejectsLongKey(t *testing.T) {
	_, err := anchor.NewHashChain(make([]byte, 65))
	assert.Error(t, err)
}

func TestHTTPClient_ReturnsReceipt(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"receipt":"tx-0xabc"}`))
	}))
	defer srv.Close()

	client := anchor.NewHTTPClient(srv.URL, nil)
	receipt, err := client.Anchor(context.Background(), ledger.RequestFor(sampleEntry()))
	require.NoError(t, err)
	assert.Equal(t, "tx-0xabc", receipt)
	assert.Equal(t, "e-1", got["id"])
	assert.Equal(t, "12.5", got["amount"])
}

func TestHTTPClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		}},
		{"empty receipt", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"receipt":""}`))
		}},
		{"not json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := anchor.NewHTTPClient(srv.URL, nil).Anchor(context.Background(), ledger.RequestFor(sampleEntry()))
			assert.Error(t, err)
		})
	}
}

func TestHTTPClient_HonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := anchor.NewHTTPClient(srv.URL, nil).Anchor(ctx, ledger.RequestFor(sampleEntry()))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
