package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/fabblink/internal/chain"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// TransferSender broadcasts a batch of NEP-17 transfers as one transaction
// and looks up what became of it.
type TransferSender interface {
	Send(ctx context.Context, token util.Uint160, payments []chain.Payment) (chain.SentTransfer, error)
	Lookup(ctx context.Context, sent chain.SentTransfer) (chain.TransferState, error)
}

// sentRetention bounds how long a halted transfer is remembered by key.
const sentRetention = 24 * time.Hour

type sentBatch struct {
	transfer chain.SentTransfer
	halted   bool
	at       time.Time
}

// NeoSettler pays out in the accounting token on Neo N3. Payees are Neo
// addresses; every payout of a batch lands in the same transaction, so the
// batch halts or faults as a whole. References have the form hash@height,
// where height is the transaction's ValidUntilBlock.
type NeoSettler struct {
	sender TransferSender
	token  util.Uint160
	log    *logger.Logger

	mu   sync.Mutex
	sent map[string]sentBatch
}

// NewNeoSettler creates a settler paying in the token with tokenHash.
func NewNeoSettler(sender TransferSender, tokenHash string, log *logger.Logger) (*NeoSettler, error) {
	if sender == nil {
		return nil, fmt.Errorf("transfer sender required")
	}
	if tokenHash == "" {
		tokenHash = chain.GASScriptHash
	}
	token, err := chain.ParseScriptHash(tokenHash)
	if err != nil {
		return nil, fmt.Errorf("token hash %q: %w", tokenHash, err)
	}
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &NeoSettler{sender: sender, token: token, log: log, sent: make(map[string]sentBatch)}, nil
}

// Settle broadcasts the batch unless a transfer for key is already known.
// A halted transfer is returned as is, an undecided one stays unconfirmed,
// and only a faulted or expired one is sent again.
func (s *NeoSettler) Settle(ctx context.Context, key string, batch []Payout) (string, error) {
	if err := validate(batch); err != nil {
		return "", err
	}
	payments := make([]chain.Payment, 0, len(batch))
	for _, p := range batch {
		to, err := chain.ParseAddress(p.Payee)
		if err != nil {
			return "", fmt.Errorf("payee %s is not a Neo address: %w", p.Payee, err)
		}
		payments = append(payments, chain.Payment{To: to, Amount: p.Amount.Amount})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()

	if prior, ok := s.sent[key]; ok {
		st, err := s.lookup(ctx, prior.transfer)
		switch {
		case err != nil || st == StatusPending:
			return prior.transfer.String(), fmt.Errorf("%w: transfer %s still pending", ErrUnconfirmed, prior.transfer.Hash)
		case st == StatusSettled:
			s.remember(key, prior.transfer, true)
			return prior.transfer.String(), nil
		}
		delete(s.sent, key)
	}

	sent, err := s.sender.Send(ctx, s.token, payments)
	if errors.Is(err, chain.ErrUnconfirmed) {
		s.remember(key, sent, false)
		return sent.String(), fmt.Errorf("%w: %v", ErrUnconfirmed, err)
	}
	if err != nil {
		return "", err
	}
	s.remember(key, sent, true)
	s.log.With(map[string]interface{}{
		"vendor":   batch[0].Vendor,
		"order_id": batch[0].OrderID,
		"payouts":  len(batch),
		"tx_hash":  sent.Hash,
	}).Info("payout batch settled on chain")
	return sent.String(), nil
}

// Status resolves ref, or the transfer remembered for key when ref is
// empty.
func (s *NeoSettler) Status(ctx context.Context, key, ref string) (Status, error) {
	var transfer chain.SentTransfer
	if ref != "" {
		parsed, err := chain.ParseSentTransfer(ref)
		if err != nil {
			return StatusPending, err
		}
		transfer = parsed
	} else {
		s.mu.Lock()
		prior, ok := s.sent[key]
		s.mu.Unlock()
		if !ok {
			return StatusPending, fmt.Errorf("no transfer recorded for batch %s", key)
		}
		transfer = prior.transfer
	}
	return s.lookup(ctx, transfer)
}

func (s *NeoSettler) lookup(ctx context.Context, transfer chain.SentTransfer) (Status, error) {
	state, err := s.sender.Lookup(ctx, transfer)
	if err != nil {
		return StatusPending, err
	}
	switch state {
	case chain.TransferHalted:
		return StatusSettled, nil
	case chain.TransferFaulted, chain.TransferExpired:
		return StatusFailed, nil
	default:
		return StatusPending, nil
	}
}

func (s *NeoSettler) remember(key string, transfer chain.SentTransfer, halted bool) {
	s.sent[key] = sentBatch{transfer: transfer, halted: halted, at: time.Now()}
}

// prune forgets halted transfers older than sentRetention. Undecided ones
// are kept until they resolve.
func (s *NeoSettler) prune() {
	cutoff := time.Now().Add(-sentRetention)
	for key, b := range s.sent {
		if b.halted && b.at.Before(cutoff) {
			delete(s.sent, key)
		}
	}
}
