package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/slatewire/slatewire/slate"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	client *HTTPNodeClient

	mu     sync.Mutex
	txs    []*slate.Transaction
	height uint64
	reject bool
}

func newTestNode(t *testing.T, height uint64) *testNode {
	t.Helper()

	n := &testNode{height: height}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chain", func(w http.ResponseWriter,
		r *http.Request) {

		n.mu.Lock()
		defer n.mu.Unlock()

		_ = json.NewEncoder(w).Encode(&chainTip{Height: n.height})
	})
	mux.HandleFunc("/v1/pool/push_tx", func(w http.ResponseWriter,
		r *http.Request) {

		n.mu.Lock()
		defer n.mu.Unlock()

		if n.reject || r.Method != http.MethodPost {
			http.Error(w, "tx rejected", http.StatusBadRequest)
			return
		}

		var tx slate.Transaction
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.txs = append(n.txs, &tx)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	n.client = NewHTTPNodeClient(ts.URL+"/", time.Second)

	return n
}

func (n *testNode) posted() []*slate.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]*slate.Transaction(nil), n.txs...)
}

// TestHTTPNodeClient checks both node requests and error replies.
func TestHTTPNodeClient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	node := newTestNode(t, 99)

	height, err := node.client.ChainHeight(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 99, height)

	tx := &slate.Transaction{
		Offset: slate.BlindingFactor{1},
		Body: slate.TxBody{
			Inputs: []slate.Input{{Commit: slate.Commitment{0x02}}},
			Kernels: []slate.Kernel{{
				Fee:    TxFee(1, 1, 1),
				Excess: slate.Commitment{0x03},
			}},
		},
	}
	require.NoError(t, node.client.PostTx(ctx, tx))
	require.Equal(t, []*slate.Transaction{tx}, node.posted())

	node.mu.Lock()
	node.reject = true
	node.mu.Unlock()

	err = node.client.PostTx(ctx, tx)
	require.ErrorContains(t, err, "tx rejected")
	require.Len(t, node.posted(), 1)
}

// TestFinalizeNodeFailure checks that a transaction the node refuses can be
// finalized again later.
func TestFinalizeNodeFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	node := newTestNode(t, 1)
	alice := newTestWallet(t, someNode(node))
	bob := newTestWallet(t, noNode())

	_, err := alice.owner.ImportOutput(2 * coin)
	require.NoError(t, err)
	s, err := alice.owner.InitSendTx(ctx, coin, 2, "")
	require.NoError(t, err)
	received, err := bob.foreign.ReceiveTx(ctx, s, noHint(), noHint())
	require.NoError(t, err)

	node.mu.Lock()
	node.reject = true
	node.mu.Unlock()

	_, err = alice.owner.FinalizeTx(ctx, received)
	require.Error(t, err)
	require.EqualValues(t, 2*coin, alice.balance(t).Locked)

	node.mu.Lock()
	node.reject = false
	node.mu.Unlock()

	_, err = alice.owner.FinalizeTx(ctx, received)
	require.NoError(t, err)
	require.Len(t, node.posted(), 1)
}
