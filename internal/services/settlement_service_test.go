package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tandaloop/go-tanda-backend/internal/domain"
	"github.com/tandaloop/go-tanda-backend/internal/gateway"
	"github.com/tandaloop/go-tanda-backend/internal/repo"
)

const testPoolWallet = "https://wallet.example/pool"

func newServicesDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("services_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// ----- Fake gateway -----

type transferCall struct {
	source string
	dest   string
	amount int64
	memo   string
}

// fakeGateway records every call and delegates to overridable funcs. The
// zero value settles every transfer immediately.
type fakeGateway struct {
	mu         sync.Mutex
	calls      []transferCall
	continues  []gateway.ContinueRequest
	transferFn func(source, dest string, amount int64) (*gateway.TransferResult, error)
	continueFn func(req gateway.ContinueRequest) (*gateway.TransferResult, error)
}

func (g *fakeGateway) Transfer(ctx context.Context, source, dest string, amount int64, memo string) (*gateway.TransferResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, transferCall{source: source, dest: dest, amount: amount, memo: memo})
	n := len(g.calls)
	fn := g.transferFn
	g.mu.Unlock()

	if fn != nil {
		return fn(source, dest, amount)
	}
	return &gateway.TransferResult{Settled: true, Reference: fmt.Sprintf("ref-%d", n)}, nil
}

func (g *fakeGateway) ContinueTransfer(ctx context.Context, req gateway.ContinueRequest) (*gateway.TransferResult, error) {
	g.mu.Lock()
	g.continues = append(g.continues, req)
	fn := g.continueFn
	g.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &gateway.TransferResult{Settled: true, Reference: "continued"}, nil
}

func (g *fakeGateway) payoutCalls() []transferCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []transferCall
	for _, c := range g.calls {
		if c.source == testPoolWallet {
			out = append(out, c)
		}
	}
	return out
}

// ----- Fixtures -----

func wallet(i int) string { return fmt.Sprintf("https://wallet.example/p%d", i) }

// newTestTanda creates a tanda of n participants via the membership
// service. Participant i (1-based) holds position i; participant 1 founded
// the group.
func newTestTanda(t *testing.T, db *gorm.DB, locks *LockTable, n int, start bool) *domain.Tanda {
	t.Helper()

	ms := NewMembershipService(db, locks)
	tanda, err := ms.Create(context.Background(), CreateParams{
		Name:               "Cena Club",
		FounderName:        "P1",
		FounderWallet:      wallet(1),
		ContributionAmount: 100,
		ParticipantCount:   n,
	})
	if err != nil {
		t.Fatalf("create tanda: %v", err)
	}
	for i := 2; i <= n; i++ {
		if _, err := ms.Join(context.Background(), tanda.ID, fmt.Sprintf("P%d", i), wallet(i)); err != nil {
			t.Fatalf("join p%d: %v", i, err)
		}
	}
	if start {
		if _, err := ms.StartRounds(context.Background(), tanda.ID); err != nil {
			t.Fatalf("start rounds: %v", err)
		}
	}
	got, err := repo.GetTanda(context.Background(), db, tanda.ID)
	if err != nil {
		t.Fatalf("reload tanda: %v", err)
	}
	return got
}

func newSettlement(db *gorm.DB, gw gateway.PaymentGateway, locks *LockTable) *SettlementService {
	s := NewSettlementService(db, gw, testPoolWallet, locks)
	s.GatewayTimeout = 5 * time.Second
	return s
}

// ----- Contribution validation -----

func TestSubmitContribution_UnknownTanda(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	s := newSettlement(db, &fakeGateway{}, locks)

	_, err := s.SubmitContribution(context.Background(), "nope", wallet(2), 100)
	if !errors.Is(err, ErrTandaNotFound) {
		t.Fatalf("expected ErrTandaNotFound, got %v", err)
	}
}

func TestSubmitContribution_NotAMember(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	s := newSettlement(db, &fakeGateway{}, locks)

	_, err := s.SubmitContribution(context.Background(), tanda.ID, "https://wallet.example/stranger", 100)
	if !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestSubmitContribution_RecipientCannotPay(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	s := newSettlement(db, &fakeGateway{}, locks)

	// Round 1's recipient is position 1.
	_, err := s.SubmitContribution(context.Background(), tanda.ID, wallet(1), 100)
	if !errors.Is(err, ErrRecipientCannotPay) {
		t.Fatalf("expected ErrRecipientCannotPay, got %v", err)
	}
}

func TestSubmitContribution_WrongAmount(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	s := newSettlement(db, &fakeGateway{}, locks)

	for _, amt := range []int64{0, 99, 101, -100} {
		if _, err := s.SubmitContribution(context.Background(), tanda.ID, wallet(2), amt); !errors.Is(err, ErrWrongAmount) {
			t.Fatalf("amount %d: expected ErrWrongAmount, got %v", amt, err)
		}
	}
}

func TestSubmitContribution_DuplicateRejected(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	s := newSettlement(db, &fakeGateway{}, locks)

	if _, err := s.SubmitContribution(context.Background(), tanda.ID, wallet(2), 100); err != nil {
		t.Fatalf("first contribution: %v", err)
	}
	_, err := s.SubmitContribution(context.Background(), tanda.ID, wallet(2), 100)
	if !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
}

func TestSubmitContribution_FailedPaymentAllowsRetry(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	gw := &fakeGateway{
		transferFn: func(source, dest string, amount int64) (*gateway.TransferResult, error) {
			return nil, fmt.Errorf("%w: connector unreachable", gateway.ErrTransferFailed)
		},
	}
	s := newSettlement(db, gw, locks)

	out, err := s.SubmitContribution(context.Background(), tanda.ID, wallet(2), 100)
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if out == nil || out.Payment == nil || out.Payment.Status != domain.PaymentFailed {
		t.Fatalf("expected failed payment in outcome, got %+v", out)
	}
	if out.Payment.FailureReason == "" {
		t.Fatal("expected failure reason to be recorded")
	}

	// The failed attempt does not block a fresh one.
	gw.mu.Lock()
	gw.transferFn = nil
	gw.mu.Unlock()
	out, err = s.SubmitContribution(context.Background(), tanda.ID, wallet(2), 100)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if out.Payment.Status != domain.PaymentCompleted {
		t.Fatalf("expected completed retry, got %s", out.Payment.Status)
	}
}

// ----- Full lifecycle -----

func TestSettlement_FullRotation(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	gw := &fakeGateway{}
	s := newSettlement(db, gw, locks)
	ctx := context.Background()

	contribute := func(payer int) *PaymentOutcome {
		t.Helper()
		out, err := s.SubmitContribution(ctx, tanda.ID, wallet(payer), 100)
		if err != nil {
			t.Fatalf("contribution from p%d: %v", payer, err)
		}
		return out
	}

	// Round 1: p2 and p3 pay, p1 receives.
	if out := contribute(2); out.RoundSettled {
		t.Fatal("round settled after one contribution")
	}
	out := contribute(3)
	if !out.RoundSettled || out.Settlement == nil {
		t.Fatalf("expected round 1 to settle, got %+v", out)
	}
	if out.Settlement.Round != 1 || out.Settlement.Recipient.Position != 1 || out.Settlement.Amount != 200 {
		t.Fatalf("unexpected round 1 settlement: %+v", out.Settlement)
	}
	if out.Settlement.NewRound != 2 || out.Settlement.Status != domain.TandaActive {
		t.Fatalf("unexpected post-round-1 state: %+v", out.Settlement)
	}

	// Round 2: p1 and p3 pay, p2 receives.
	contribute(1)
	out = contribute(3)
	if !out.RoundSettled || out.Settlement.Recipient.Position != 2 {
		t.Fatalf("expected round 2 payout to position 2, got %+v", out.Settlement)
	}

	// Round 3: p1 and p2 pay, p3 receives, tanda completes.
	contribute(1)
	out = contribute(2)
	if !out.RoundSettled || out.Settlement.Recipient.Position != 3 {
		t.Fatalf("expected round 3 payout to position 3, got %+v", out.Settlement)
	}
	if out.Settlement.Status != domain.TandaCompleted {
		t.Fatalf("expected completed tanda, got %s", out.Settlement.Status)
	}

	got, err := repo.GetTanda(ctx, db, tanda.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.TandaCompleted || got.CompletedAt == nil {
		t.Fatalf("expected persisted completion, got status=%s completed_at=%v", got.Status, got.CompletedAt)
	}
	for _, p := range got.Participants {
		if !p.HasReceived || p.ReceivedAt == nil {
			t.Fatalf("participant %d never received", p.Position)
		}
	}

	payouts := gw.payoutCalls()
	if len(payouts) != 3 {
		t.Fatalf("expected 3 payouts, got %d", len(payouts))
	}
	for i, c := range payouts {
		if c.dest != wallet(i+1) || c.amount != 200 {
			t.Fatalf("payout %d: %+v", i+1, c)
		}
	}

	// No contribution is accepted after completion.
	if _, err := s.SubmitContribution(ctx, tanda.ID, wallet(1), 100); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("expected ErrWrongPhase after completion, got %v", err)
	}
}

func TestSettlement_PreFundStartsRounds(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, false) // full, not started
	gw := &fakeGateway{}
	s := newSettlement(db, gw, locks)
	ctx := context.Background()

	// Contributions are aimed at round 1 before rounds formally start.
	if _, err := s.SubmitContribution(ctx, tanda.ID, wallet(2), 100); err != nil {
		t.Fatalf("pre-fund p2: %v", err)
	}
	out, err := s.SubmitContribution(ctx, tanda.ID, wallet(3), 100)
	if err != nil {
		t.Fatalf("pre-fund p3: %v", err)
	}
	if !out.RoundSettled || out.Settlement.Round != 1 {
		t.Fatalf("expected implicit round 1 settlement, got %+v", out)
	}

	got, err := repo.GetTanda(ctx, db, tanda.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.StartedAt == nil || got.CurrentRound != 2 {
		t.Fatalf("expected rounds started and advanced, got started_at=%v round=%d", got.StartedAt, got.CurrentRound)
	}
}

// ----- Pending authorization -----

func pendingResult() *gateway.TransferResult {
	return &gateway.TransferResult{
		Settled:          false,
		AuthorizationURL: "https://auth.example/interact/abc",
		ContinueURI:      "https://auth.example/continue/abc",
		ContinueToken:    "tok-abc",
		QuoteID:          "https://wallet.example/quotes/q1",
	}
}

func TestSubmitContribution_PendingAuthorization(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	gw := &fakeGateway{
		transferFn: func(source, dest string, amount int64) (*gateway.TransferResult, error) {
			return pendingResult(), nil
		},
	}
	s := newSettlement(db, gw, locks)

	out, err := s.SubmitContribution(context.Background(), tanda.ID, wallet(2), 100)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.RequiresAuth || out.AuthorizationURL != "https://auth.example/interact/abc" {
		t.Fatalf("expected pending outcome, got %+v", out)
	}
	if out.Payment.Status != domain.PaymentPendingAuthorization {
		t.Fatalf("expected pending status, got %s", out.Payment.Status)
	}

	// A pending payment occupies the (round, participant) slot.
	if _, err := s.SubmitContribution(context.Background(), tanda.ID, wallet(2), 100); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid while pending, got %v", err)
	}
}

func TestCompletePendingPayment_SettlesRound(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	pending := true
	gw := &fakeGateway{}
	gw.transferFn = func(source, dest string, amount int64) (*gateway.TransferResult, error) {
		if pending && source == wallet(2) {
			return pendingResult(), nil
		}
		return &gateway.TransferResult{Settled: true, Reference: "ref"}, nil
	}
	s := newSettlement(db, gw, locks)
	ctx := context.Background()

	out, err := s.SubmitContribution(ctx, tanda.ID, wallet(2), 100)
	if err != nil {
		t.Fatalf("pending submit: %v", err)
	}
	pendingID := out.Payment.ID
	pending = false

	if _, err := s.SubmitContribution(ctx, tanda.ID, wallet(3), 100); err != nil {
		t.Fatalf("p3 submit: %v", err)
	}

	// Continuation completes the payment and closes the round.
	out, err = s.CompletePendingPayment(ctx, pendingID, "interact-ref-1")
	if err != nil {
		t.Fatalf("complete pending: %v", err)
	}
	if out.Payment.Status != domain.PaymentCompleted {
		t.Fatalf("expected completed, got %s", out.Payment.Status)
	}
	if out.Payment.ContinueURI != "" || out.Payment.ContinueToken != "" {
		t.Fatal("continuation fields should be cleared on completion")
	}
	if !out.RoundSettled || out.Settlement.Round != 1 {
		t.Fatalf("expected round 1 settlement via continuation, got %+v", out)
	}

	gw.mu.Lock()
	cont := gw.continues
	gw.mu.Unlock()
	if len(cont) != 1 || cont[0].Proof != "interact-ref-1" || cont[0].ContinueToken != "tok-abc" {
		t.Fatalf("unexpected continuation request: %+v", cont)
	}
}

func TestCompletePendingPayment_NotPending(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	s := newSettlement(db, &fakeGateway{}, locks)
	ctx := context.Background()

	out, err := s.SubmitContribution(ctx, tanda.ID, wallet(2), 100)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.CompletePendingPayment(ctx, out.Payment.ID, "proof"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending for completed payment, got %v", err)
	}
	if _, err := s.CompletePendingPayment(ctx, "missing", "proof"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestCompletePendingPayment_DefinitiveFailureDemotes(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	gw := &fakeGateway{
		transferFn: func(source, dest string, amount int64) (*gateway.TransferResult, error) {
			return pendingResult(), nil
		},
		continueFn: func(req gateway.ContinueRequest) (*gateway.TransferResult, error) {
			return nil, fmt.Errorf("%w: grant rejected", gateway.ErrTransferFailed)
		},
	}
	s := newSettlement(db, gw, locks)
	ctx := context.Background()

	out, err := s.SubmitContribution(ctx, tanda.ID, wallet(2), 100)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	out, err = s.CompletePendingPayment(ctx, out.Payment.ID, "proof")
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if out.Payment.Status != domain.PaymentFailed {
		t.Fatalf("expected demotion to failed, got %s", out.Payment.Status)
	}
}

// ----- Payout failure and retry -----

func TestSettlement_PayoutFailureIsRetryable(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	gw := &fakeGateway{
		transferFn: func(source, dest string, amount int64) (*gateway.TransferResult, error) {
			if source == testPoolWallet {
				return nil, fmt.Errorf("%w: payout rejected", gateway.ErrTransferFailed)
			}
			return &gateway.TransferResult{Settled: true, Reference: "ref"}, nil
		},
	}
	s := newSettlement(db, gw, locks)
	ctx := context.Background()

	if _, err := s.SubmitContribution(ctx, tanda.ID, wallet(2), 100); err != nil {
		t.Fatalf("p2: %v", err)
	}
	out, err := s.SubmitContribution(ctx, tanda.ID, wallet(3), 100)
	if !errors.Is(err, ErrRoundUnsettled) {
		t.Fatalf("expected ErrRoundUnsettled, got %v", err)
	}
	// The contribution itself stuck.
	if out == nil || out.Payment.Status != domain.PaymentCompleted {
		t.Fatalf("contribution should remain completed, got %+v", out)
	}

	got, _ := repo.GetTanda(ctx, db, tanda.ID)
	if got.CurrentRound != 1 {
		t.Fatalf("round must not advance on payout failure, got %d", got.CurrentRound)
	}

	// Retrying before the gateway recovers just fails again.
	if _, err := s.RetrySettlement(ctx, tanda.ID); !errors.Is(err, gateway.ErrTransferFailed) {
		t.Fatalf("expected transfer failure on retry, got %v", err)
	}

	gw.mu.Lock()
	gw.transferFn = nil
	gw.mu.Unlock()
	result, err := s.RetrySettlement(ctx, tanda.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.Round != 1 || result.Recipient.Position != 1 || result.NewRound != 2 {
		t.Fatalf("unexpected retried settlement: %+v", result)
	}
	if len(gw.payoutCalls()) != 2 {
		t.Fatalf("expected exactly 2 payout attempts, got %d", len(gw.payoutCalls()))
	}
}

func TestRetrySettlement_IncompleteRound(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	s := newSettlement(db, &fakeGateway{}, locks)

	if _, err := s.RetrySettlement(context.Background(), tanda.ID); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("expected ErrWrongPhase for incomplete round, got %v", err)
	}
}

// ----- Invariant violation -----

func TestSettlement_NoRecipientHaltsTanda(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)
	s := newSettlement(db, &fakeGateway{}, locks)
	ctx := context.Background()

	// Corrupt the round: mark position 1 as already paid out.
	if err := db.Model(&domain.Participant{}).
		Where("tanda_id = ? AND position = 1", tanda.ID).
		Update("has_received", true).Error; err != nil {
		t.Fatalf("corrupt participant: %v", err)
	}

	if _, err := s.SubmitContribution(ctx, tanda.ID, wallet(2), 100); err != nil {
		t.Fatalf("p2: %v", err)
	}
	if _, err := s.SubmitContribution(ctx, tanda.ID, wallet(3), 100); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}

	if !locks.Halted(tanda.ID) {
		t.Fatal("tanda should be halted after invariant violation")
	}
	if _, err := s.SubmitContribution(ctx, tanda.ID, wallet(1), 100); !errors.Is(err, ErrTandaHalted) {
		t.Fatalf("expected ErrTandaHalted after halt, got %v", err)
	}
	if _, err := s.RetrySettlement(ctx, tanda.ID); !errors.Is(err, ErrTandaHalted) {
		t.Fatalf("expected ErrTandaHalted on retry, got %v", err)
	}
}

// ----- Concurrency -----

func TestSettlement_ConcurrentLastContributions(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 4, true)
	gw := &fakeGateway{
		transferFn: func(source, dest string, amount int64) (*gateway.TransferResult, error) {
			time.Sleep(5 * time.Millisecond) // widen the race window
			return &gateway.TransferResult{Settled: true, Reference: "ref"}, nil
		},
	}
	s := newSettlement(db, gw, locks)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, payer := range []int{2, 3, 4} {
		wg.Add(1)
		go func(i, payer int) {
			defer wg.Done()
			_, errs[i] = s.SubmitContribution(ctx, tanda.ID, wallet(payer), 100)
		}(i, payer)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent contribution %d: %v", i, err)
		}
	}

	if n := len(gw.payoutCalls()); n != 1 {
		t.Fatalf("expected exactly one payout, got %d", n)
	}
	got, err := repo.GetTanda(ctx, db, tanda.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.CurrentRound != 2 {
		t.Fatalf("expected round to advance exactly once, got %d", got.CurrentRound)
	}
}

// ----- Memos -----

func TestPayoutMemo_GroupsDigits(t *testing.T) {
	tanda := &domain.Tanda{Name: "Big Pool"}
	memo := payoutMemo(tanda, 2, 1500000)
	if !strings.Contains(memo, "1,500,000") {
		t.Fatalf("expected grouped amount in memo, got %q", memo)
	}
}

// blockingGateway holds every call open until its context expires.
type blockingGateway struct{}

func (blockingGateway) Transfer(ctx context.Context, source, dest string, amount int64, memo string) (*gateway.TransferResult, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", gateway.ErrTransferFailed, ctx.Err())
}

func (blockingGateway) ContinueTransfer(ctx context.Context, req gateway.ContinueRequest) (*gateway.TransferResult, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", gateway.ErrTransferFailed, ctx.Err())
}

func TestSubmitContribution_GatewayTimeoutFailsPayment(t *testing.T) {
	db := newServicesDB(t)
	locks := NewLockTable()
	tanda := newTestTanda(t, db, locks, 3, true)

	s := NewSettlementService(db, blockingGateway{}, testPoolWallet, locks)
	s.GatewayTimeout = 50 * time.Millisecond

	start := time.Now()
	out, err := s.SubmitContribution(context.Background(), tanda.ID, wallet(2), 100)
	if !errors.Is(err, ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout did not bound the call: took %v", elapsed)
	}
	if out == nil || out.Payment == nil || out.Payment.Status != domain.PaymentFailed {
		t.Fatalf("expected failed payment in outcome, got %+v", out)
	}
	if out.Payment.FailureReason == "" {
		t.Fatal("expected failure reason to be recorded")
	}

	// The failure is persisted, not just in the returned outcome.
	got, err := repo.GetPayment(context.Background(), db, out.Payment.ID)
	if err != nil {
		t.Fatalf("reload payment: %v", err)
	}
	if got.Status != domain.PaymentFailed {
		t.Fatalf("persisted status = %s; want failed", got.Status)
	}

	// The tanda's exclusive section is released after the timeout.
	done := make(chan struct{})
	go func() {
		_ = locks.WithLock(tanda.ID, func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tanda lock still held after gateway timeout")
	}
}
