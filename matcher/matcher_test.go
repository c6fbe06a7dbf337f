package matcher

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilfi/darkbatch/ledger"
)

const (
	tokenX    = "0x1000000000000000000000000000000000000001"
	tokenY    = "0x1000000000000000000000000000000000000002"
	tokenUSDC = "0x2000000000000000000000000000000000000001"
	tokenUSDT = "0x2000000000000000000000000000000000000002"
	tokenWETH = "0x2000000000000000000000000000000000000003"
)

func intent(user, in, out string, amount int64) DecryptedIntent {
	return DecryptedIntent{
		Intent: ledger.Intent{
			ID:        uuid.New(),
			Submitter: user,
			TokenIn:   in,
			TokenOut:  out,
		},
		Amount: big.NewInt(amount),
	}
}

func TestFIFOPriority(t *testing.T) {
	a := intent("alice", tokenX, tokenY, 1000)
	b := intent("bob", tokenX, tokenY, 500)
	c := intent("carol", tokenY, tokenX, 800)
	intents := []DecryptedIntent{a, b, c}

	res, err := Match(intents)
	require.NoError(t, err)

	require.Len(t, res.Transfers, 1)
	tr := res.Transfers[0]
	assert.Equal(t, a.ID, tr.IntentA, "oldest same-direction intent matches first")
	assert.Equal(t, c.ID, tr.IntentB)
	assert.Equal(t, int64(800), tr.AmountA.Int64())
	assert.Equal(t, int64(800), tr.AmountB.Int64())
	assert.Equal(t, tokenX, tr.TokenA)
	assert.Equal(t, tokenY, tr.TokenB)

	require.Len(t, res.NetSwaps, 1)
	ns := res.NetSwaps[0]
	assert.Equal(t, tokenX, ns.TokenIn)
	assert.Equal(t, tokenY, ns.TokenOut)
	assert.Equal(t, int64(700), ns.NetAmount.Int64())
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, ns.RemainingIntentIDs, "partial residual keeps front-of-queue priority")

	assert.True(t, res.Conserves(intents))
}

func TestStablePairFullAndPartialCross(t *testing.T) {
	a := intent("alice", tokenUSDC, tokenUSDT, 1000)
	b := intent("bob", tokenUSDT, tokenUSDC, 800)
	intents := []DecryptedIntent{a, b}

	res, err := Match(intents)
	require.NoError(t, err)

	require.Len(t, res.Transfers, 1)
	assert.Equal(t, int64(800), res.Transfers[0].AmountA.Int64())

	require.Len(t, res.NetSwaps, 1)
	ns := res.NetSwaps[0]
	assert.Equal(t, tokenUSDC, ns.TokenIn)
	assert.Equal(t, tokenUSDT, ns.TokenOut)
	assert.Equal(t, int64(200), ns.NetAmount.Int64())
	assert.Equal(t, []uuid.UUID{a.ID}, ns.RemainingIntentIDs)

	assert.True(t, res.Conserves(intents))
}

// Amounts are crossed raw, with no decimal or price normalization. 2 units
// of WETH cancel 2 units of USDC, and the 2998 USDC residual nets out as if
// the units were comparable. Asserted literally; do not "fix" with a price
// oracle.
func TestRawAmountNettingAcrossUnits(t *testing.T) {
	c := intent("carol", tokenWETH, tokenUSDC, 2)
	d := intent("dave", tokenUSDC, tokenWETH, 3000)
	intents := []DecryptedIntent{c, d}

	res, err := Match(intents)
	require.NoError(t, err)

	require.Len(t, res.Transfers, 1)
	assert.Equal(t, int64(2), res.Transfers[0].AmountA.Int64())

	require.Len(t, res.NetSwaps, 1)
	ns := res.NetSwaps[0]
	assert.Equal(t, tokenUSDC, ns.TokenIn)
	assert.Equal(t, tokenWETH, ns.TokenOut)
	assert.Equal(t, int64(2998), ns.NetAmount.Int64())

	assert.True(t, res.Conserves(intents))
}

func TestIncomingIntentDrainsMultipleResiduals(t *testing.T) {
	a := intent("alice", tokenX, tokenY, 300)
	b := intent("bob", tokenX, tokenY, 200)
	c := intent("carol", tokenY, tokenX, 450)
	intents := []DecryptedIntent{a, b, c}

	res, err := Match(intents)
	require.NoError(t, err)

	require.Len(t, res.Transfers, 2)
	assert.Equal(t, a.ID, res.Transfers[0].IntentA)
	assert.Equal(t, int64(300), res.Transfers[0].AmountA.Int64())
	assert.Equal(t, b.ID, res.Transfers[1].IntentA)
	assert.Equal(t, int64(150), res.Transfers[1].AmountA.Int64())

	require.Len(t, res.NetSwaps, 1)
	ns := res.NetSwaps[0]
	assert.Equal(t, tokenX, ns.TokenIn)
	assert.Equal(t, int64(50), ns.NetAmount.Int64())
	assert.Equal(t, []uuid.UUID{b.ID}, ns.RemainingIntentIDs)

	assert.True(t, res.Conserves(intents))
}

func TestExactCrossLeavesNoSwaps(t *testing.T) {
	a := intent("alice", tokenX, tokenY, 500)
	b := intent("bob", tokenY, tokenX, 500)
	intents := []DecryptedIntent{a, b}

	res, err := Match(intents)
	require.NoError(t, err)
	require.Len(t, res.Transfers, 1)
	assert.Empty(t, res.NetSwaps)
	assert.True(t, res.Conserves(intents))
}

func TestIndependentPairsDoNotInteract(t *testing.T) {
	a := intent("alice", tokenX, tokenY, 100)
	b := intent("bob", tokenUSDC, tokenUSDT, 200)
	intents := []DecryptedIntent{a, b}

	res, err := Match(intents)
	require.NoError(t, err)
	assert.Empty(t, res.Transfers)
	require.Len(t, res.NetSwaps, 2)
	assert.Equal(t, tokenX, res.NetSwaps[0].TokenIn, "pair order follows first appearance")
	assert.Equal(t, tokenUSDC, res.NetSwaps[1].TokenIn)
	assert.True(t, res.Conserves(intents))
}

func TestMatchRejectsBadAmounts(t *testing.T) {
	zero := intent("alice", tokenX, tokenY, 0)
	_, err := Match([]DecryptedIntent{zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	neg := intent("bob", tokenX, tokenY, -5)
	_, err = Match([]DecryptedIntent{neg})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	nilAmt := intent("carol", tokenX, tokenY, 1)
	nilAmt.Amount = nil
	_, err = Match([]DecryptedIntent{nilAmt})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestMatchRejectsSelfPair(t *testing.T) {
	self := intent("alice", tokenX, tokenX, 10)
	_, err := Match([]DecryptedIntent{self})
	assert.Error(t, err)
}

func TestMatchEmptyBatch(t *testing.T) {
	res, err := Match(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Transfers)
	assert.Empty(t, res.NetSwaps)
}

func TestConservesDetectsTampering(t *testing.T) {
	a := intent("alice", tokenX, tokenY, 1000)
	b := intent("bob", tokenY, tokenX, 800)
	intents := []DecryptedIntent{a, b}

	res, err := Match(intents)
	require.NoError(t, err)
	require.True(t, res.Conserves(intents))

	res.NetSwaps[0].NetAmount = new(big.Int).Add(res.NetSwaps[0].NetAmount, big.NewInt(1))
	assert.False(t, res.Conserves(intents))
}

func TestConservationUnderRandomBatches(t *testing.T) {
	tokens := []string{tokenX, tokenY, tokenUSDC, tokenUSDT, tokenWETH}
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(40)
		intents := make([]DecryptedIntent, 0, n)
		for i := 0; i < n; i++ {
			in := tokens[rng.Intn(len(tokens))]
			out := tokens[rng.Intn(len(tokens))]
			if in == out {
				continue
			}
			intents = append(intents, intent("user", in, out, 1+rng.Int63n(1_000_000)))
		}

		res, err := Match(intents)
		require.NoError(t, err)
		assert.True(t, res.Conserves(intents), "round %d with %d intents", round, len(intents))
	}
}
