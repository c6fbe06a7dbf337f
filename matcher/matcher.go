// Package matcher internalizes a batch of decrypted intents. Opposite-facing
// intents are crossed FIFO at their raw amounts; whatever cannot be crossed
// is folded into one net swap per directed token pair. The matcher is pure
// computation over cleartext amounts, so every committee member running it
// over the same batch produces the identical settlement.
package matcher

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/veilfi/darkbatch/ledger"
)

var ErrInvalidAmount = errors.New("intent amount must be positive")

// DecryptedIntent pairs an intent with its revealed amount.
type DecryptedIntent struct {
	ledger.Intent
	Amount *big.Int
}

// Result is the outcome of matching one batch.
type Result struct {
	Transfers []ledger.InternalizedTransfer
	NetSwaps  []ledger.NetSwap
}

type pair struct {
	in, out string
}

func (p pair) reverse() pair { return pair{in: p.out, out: p.in} }

type entry struct {
	intent    *DecryptedIntent
	remaining *big.Int
}

// Match crosses intents in submission order. Each incoming intent consumes
// the oldest opposite-facing residual first; a partially consumed residual
// keeps its place at the front of its queue, so priority is strictly
// first-in first-out. Leftovers become net swaps, one per directed pair, in
// the order the pair was first seen.
func Match(intents []DecryptedIntent) (Result, error) {
	queues := make(map[pair][]*entry)
	var pairOrder []pair

	var transfers []ledger.InternalizedTransfer
	for i := range intents {
		in := &intents[i]
		if in.Amount == nil || in.Amount.Sign() <= 0 {
			return Result{}, fmt.Errorf("%w: intent %s", ErrInvalidAmount, in.ID)
		}
		if in.TokenIn == in.TokenOut {
			return Result{}, fmt.Errorf("intent %s swaps a token against itself", in.ID)
		}

		p := pair{in: in.TokenIn, out: in.TokenOut}
		remaining := new(big.Int).Set(in.Amount)

		rev := p.reverse()
		for remaining.Sign() > 0 && len(queues[rev]) > 0 {
			head := queues[rev][0]
			matched := minBig(remaining, head.remaining)
			transfers = append(transfers, makeTransfer(head.intent, in, matched))

			head.remaining.Sub(head.remaining, matched)
			remaining.Sub(remaining, matched)
			if head.remaining.Sign() == 0 {
				queues[rev] = queues[rev][1:]
			}
		}

		if remaining.Sign() > 0 {
			if _, seen := queues[p]; !seen {
				pairOrder = append(pairOrder, p)
			}
			queues[p] = append(queues[p], &entry{intent: in, remaining: remaining})
		}
	}

	var swaps []ledger.NetSwap
	for _, p := range pairOrder {
		q := queues[p]
		if len(q) == 0 {
			continue
		}
		net := new(big.Int)
		ids := make([]uuid.UUID, 0, len(q))
		for _, e := range q {
			net.Add(net, e.remaining)
			ids = append(ids, e.intent.ID)
		}
		swaps = append(swaps, ledger.NetSwap{
			TokenIn:            p.in,
			TokenOut:           p.out,
			NetAmount:          net,
			RemainingIntentIDs: ids,
		})
	}

	return Result{Transfers: transfers, NetSwaps: swaps}, nil
}

// makeTransfer builds the transfer for a crossed amount. The resting intent
// is leg A, the incoming one leg B; each leg pays its own input token, and
// at raw matching both legs move the same amount.
func makeTransfer(resting, incoming *DecryptedIntent, matched *big.Int) ledger.InternalizedTransfer {
	return ledger.InternalizedTransfer{
		IntentA: resting.ID,
		IntentB: incoming.ID,
		UserA:   resting.Submitter,
		UserB:   incoming.Submitter,
		TokenA:  resting.TokenIn,
		TokenB:  incoming.TokenIn,
		AmountA: new(big.Int).Set(matched),
		AmountB: new(big.Int).Set(matched),
	}
}

// Conserves checks that for every directed pair the input amounts are fully
// accounted for by internalized transfers plus the net swap.
func (r Result) Conserves(intents []DecryptedIntent) bool {
	want := make(map[pair]*big.Int)
	for i := range intents {
		p := pair{in: intents[i].TokenIn, out: intents[i].TokenOut}
		addTo(want, p, intents[i].Amount)
	}

	got := make(map[pair]*big.Int)
	for i := range r.Transfers {
		tr := &r.Transfers[i]
		addTo(got, pair{in: tr.TokenA, out: tr.TokenB}, tr.AmountA)
		addTo(got, pair{in: tr.TokenB, out: tr.TokenA}, tr.AmountB)
	}
	for i := range r.NetSwaps {
		ns := &r.NetSwaps[i]
		addTo(got, pair{in: ns.TokenIn, out: ns.TokenOut}, ns.NetAmount)
	}

	if len(want) != len(got) {
		return false
	}
	for p, w := range want {
		g, ok := got[p]
		if !ok || w.Cmp(g) != 0 {
			return false
		}
	}
	return true
}

func addTo(m map[pair]*big.Int, p pair, v *big.Int) {
	if cur, ok := m[p]; ok {
		cur.Add(cur, v)
		return
	}
	m[p] = new(big.Int).Set(v)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
