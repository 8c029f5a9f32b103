package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taxflow-go/internal/model"
	"taxflow-go/internal/repository"
	"taxflow-go/internal/service"
)

// fakeLedger is an in-memory LedgerRepository with transactional
// semantics: mutations inside Transact are staged and only applied
// when the callback returns nil.
type fakeLedger struct {
	users    map[uint]*model.User
	entries  []model.CreditTransaction
	nextID   uint
	entryErr error // injected CreateEntry failure
}

func newFakeLedger(users ...*model.User) *fakeLedger {
	f := &fakeLedger{users: make(map[uint]*model.User), nextID: 1}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

type fakeLedgerTx struct {
	ledger  *fakeLedger
	users   map[uint]*model.User
	entries []model.CreditTransaction
	nextID  uint
}

func (f *fakeLedger) Transact(_ context.Context, fn func(repository.LedgerTx) error) error {
	tx := &fakeLedgerTx{
		ledger: f,
		users:  make(map[uint]*model.User, len(f.users)),
		nextID: f.nextID,
	}
	for id, u := range f.users {
		copied := *u
		tx.users[id] = &copied
	}
	tx.entries = append(tx.entries, f.entries...)

	if err := fn(tx); err != nil {
		return err
	}

	f.users = tx.users
	f.entries = tx.entries
	f.nextID = tx.nextID
	return nil
}

func (tx *fakeLedgerTx) UserForUpdate(userID uint) (*model.User, error) {
	user, ok := tx.users[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (tx *fakeLedgerTx) AddBalance(userID uint, delta int64) error {
	user, ok := tx.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.Credits += delta
	return nil
}

func (tx *fakeLedgerTx) CreateEntry(entry *model.CreditTransaction) error {
	if tx.ledger.entryErr != nil {
		return tx.ledger.entryErr
	}
	entry.ID = tx.nextID
	entry.CreatedAt = time.Now().UTC()
	tx.nextID++
	tx.entries = append(tx.entries, *entry)
	return nil
}

func (tx *fakeLedgerTx) HasExpirationFor(grantID uint) (bool, error) {
	for _, e := range tx.entries {
		if e.Type == model.CreditExpired && e.GrantID != nil && *e.GrantID == grantID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) FindUser(userID uint) (*model.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (f *fakeLedger) FindGrant(id uint) (*model.CreditTransaction, error) {
	for _, e := range f.entries {
		if e.ID == id {
			copied := e
			return &copied, nil
		}
	}
	return nil, repository.ErrGrantNotFound
}

func (f *fakeLedger) History(userID uint, limit int) ([]model.CreditTransaction, error) {
	var out []model.CreditTransaction
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.entries[i].UserID == userID {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

func (f *fakeLedger) ExpirableGrants(before time.Time) ([]model.CreditTransaction, error) {
	var out []model.CreditTransaction
	for _, e := range f.entries {
		if e.Type != model.CreditPurchased || !e.CreatedAt.Before(before) {
			continue
		}
		expired, _ := (&fakeLedgerTx{ledger: f, entries: f.entries}).HasExpirationFor(e.ID)
		if !expired {
			out = append(out, e)
		}
	}
	return out, nil
}

// entriesOf filters the ledger by entry type.
func (f *fakeLedger) entriesOf(entryType model.CreditTransactionType) []model.CreditTransaction {
	var out []model.CreditTransaction
	for _, e := range f.entries {
		if e.Type == entryType {
			out = append(out, e)
		}
	}
	return out
}

func TestCreditService_AllocatePairsBalanceWithEntry(t *testing.T) {
	ledger := newFakeLedger(&model.User{ID: 1})
	svc := service.NewCreditService(ledger)

	require.NoError(t, svc.AllocateCredits(context.Background(), 1, 100, "starter pack", nil))

	balance, err := svc.Balance(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 100, balance)

	grants := ledger.entriesOf(model.CreditPurchased)
	require.Len(t, grants, 1)
	require.EqualValues(t, 100, grants[0].Amount)
}

func TestCreditService_AllocateRejectsNonPositiveAmount(t *testing.T) {
	svc := service.NewCreditService(newFakeLedger(&model.User{ID: 1}))

	require.ErrorIs(t, svc.AllocateCredits(context.Background(), 1, 0, "noop", nil), service.ErrNonPositiveAmount)
	require.ErrorIs(t, svc.AllocateCredits(context.Background(), 1, -5, "noop", nil), service.ErrNonPositiveAmount)
}

func TestCreditService_ConsumeDebitsAndRecords(t *testing.T) {
	ledger := newFakeLedger(&model.User{ID: 1, Credits: 10})
	svc := service.NewCreditService(ledger)
	uploadID := uint(7)

	consumed, err := svc.ConsumeCredits(context.Background(), 1, 3, "processing", &uploadID)

	require.NoError(t, err)
	require.True(t, consumed)
	balance, _ := svc.Balance(context.Background(), 1)
	require.EqualValues(t, 7, balance)

	debits := ledger.entriesOf(model.CreditConsumed)
	require.Len(t, debits, 1)
	require.EqualValues(t, -3, debits[0].Amount)
	require.Equal(t, uploadID, *debits[0].UploadID)
}

func TestCreditService_ConsumeInsufficientIsFullRejection(t *testing.T) {
	ledger := newFakeLedger(&model.User{ID: 1, Credits: 2})
	svc := service.NewCreditService(ledger)

	consumed, err := svc.ConsumeCredits(context.Background(), 1, 3, "processing", nil)

	// insufficient funds is a clean rejection, not an error
	require.NoError(t, err)
	require.False(t, consumed)

	balance, _ := svc.Balance(context.Background(), 1)
	require.EqualValues(t, 2, balance)
	require.Empty(t, ledger.entriesOf(model.CreditConsumed))
}

func TestCreditService_InfraFailureLeavesLedgerUntouched(t *testing.T) {
	ledger := newFakeLedger(&model.User{ID: 1, Credits: 10})
	ledger.entryErr = errors.New("connection reset")
	svc := service.NewCreditService(ledger)

	consumed, err := svc.ConsumeCredits(context.Background(), 1, 3, "processing", nil)

	require.Error(t, err)
	require.False(t, consumed)

	// neither side of the pair was applied
	balance, _ := svc.Balance(context.Background(), 1)
	require.EqualValues(t, 10, balance)
	require.Empty(t, ledger.entries)
}

func TestCreditService_RefundRestoresBalance(t *testing.T) {
	ledger := newFakeLedger(&model.User{ID: 1, Credits: 5})
	svc := service.NewCreditService(ledger)
	uploadID := uint(9)

	require.NoError(t, svc.RefundCredits(context.Background(), 1, 2, "failed run", &uploadID))

	balance, _ := svc.Balance(context.Background(), 1)
	require.EqualValues(t, 7, balance)
	refunds := ledger.entriesOf(model.CreditRefunded)
	require.Len(t, refunds, 1)
	require.EqualValues(t, 2, refunds[0].Amount)
}

func TestCreditService_HasEnoughCreditsIsAdvisory(t *testing.T) {
	svc := service.NewCreditService(newFakeLedger(&model.User{ID: 1, Credits: 4}))

	enough, err := svc.HasEnoughCredits(context.Background(), 1, 4)
	require.NoError(t, err)
	require.True(t, enough)

	enough, err = svc.HasEnoughCredits(context.Background(), 1, 5)
	require.NoError(t, err)
	require.False(t, enough)
}

func TestCreditService_ExpireCapsAtCurrentBalance(t *testing.T) {
	ledger := newFakeLedger(&model.User{ID: 1})
	svc := service.NewCreditService(ledger)

	require.NoError(t, svc.AllocateCredits(context.Background(), 1, 100, "grant", nil))
	grantID := ledger.entriesOf(model.CreditPurchased)[0].ID

	// spend most of the grant before it expires
	consumed, err := svc.ConsumeCredits(context.Background(), 1, 70, "processing", nil)
	require.NoError(t, err)
	require.True(t, consumed)

	require.NoError(t, svc.ExpireCredits(context.Background(), grantID))

	balance, _ := svc.Balance(context.Background(), 1)
	require.EqualValues(t, 0, balance)
	expirations := ledger.entriesOf(model.CreditExpired)
	require.Len(t, expirations, 1)
	require.EqualValues(t, -30, expirations[0].Amount)
	require.Equal(t, grantID, *expirations[0].GrantID)
}

func TestCreditService_ExpireIsIdempotent(t *testing.T) {
	ledger := newFakeLedger(&model.User{ID: 1})
	svc := service.NewCreditService(ledger)

	require.NoError(t, svc.AllocateCredits(context.Background(), 1, 50, "grant", nil))
	grantID := ledger.entriesOf(model.CreditPurchased)[0].ID

	require.NoError(t, svc.ExpireCredits(context.Background(), grantID))
	require.NoError(t, svc.ExpireCredits(context.Background(), grantID))

	balance, _ := svc.Balance(context.Background(), 1)
	require.EqualValues(t, 0, balance)
	require.Len(t, ledger.entriesOf(model.CreditExpired), 1)
}

func TestCreditService_ExpireFullyConsumedGrantLeavesMarker(t *testing.T) {
	ledger := newFakeLedger(&model.User{ID: 1})
	svc := service.NewCreditService(ledger)

	require.NoError(t, svc.AllocateCredits(context.Background(), 1, 10, "grant", nil))
	grantID := ledger.entriesOf(model.CreditPurchased)[0].ID
	consumed, err := svc.ConsumeCredits(context.Background(), 1, 10, "processing", nil)
	require.NoError(t, err)
	require.True(t, consumed)

	require.NoError(t, svc.ExpireCredits(context.Background(), grantID))

	// Balance untouched, but the grant is marked handled so the
	// sweeper stops selecting it.
	balance, _ := svc.Balance(context.Background(), 1)
	require.EqualValues(t, 0, balance)
	markers := ledger.entriesOf(model.CreditExpired)
	require.Len(t, markers, 1)
	require.EqualValues(t, 0, markers[0].Amount)
	require.Equal(t, grantID, *markers[0].GrantID)

	grants, err := ledger.ExpirableGrants(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, grants)
}

func TestCreditService_ReexpiringConsumedGrantSparesNewerCredits(t *testing.T) {
	ledger := newFakeLedger(&model.User{ID: 1})
	svc := service.NewCreditService(ledger)

	require.NoError(t, svc.AllocateCredits(context.Background(), 1, 10, "grant A", nil))
	grantA := ledger.entriesOf(model.CreditPurchased)[0].ID
	consumed, err := svc.ConsumeCredits(context.Background(), 1, 10, "processing", nil)
	require.NoError(t, err)
	require.True(t, consumed)
	require.NoError(t, svc.ExpireCredits(context.Background(), grantA))

	// A fresh purchase must be immune to grant A expiring again.
	require.NoError(t, svc.AllocateCredits(context.Background(), 1, 10, "grant B", nil))
	require.NoError(t, svc.ExpireCredits(context.Background(), grantA))

	balance, _ := svc.Balance(context.Background(), 1)
	require.EqualValues(t, 10, balance)
}

func TestCreditService_ExpireUnknownGrant(t *testing.T) {
	svc := service.NewCreditService(newFakeLedger(&model.User{ID: 1}))

	require.ErrorIs(t, svc.ExpireCredits(context.Background(), 404), repository.ErrGrantNotFound)
}

func TestCreditService_HistoryNewestFirst(t *testing.T) {
	ledger := newFakeLedger(&model.User{ID: 1})
	svc := service.NewCreditService(ledger)

	require.NoError(t, svc.AllocateCredits(context.Background(), 1, 10, "first", nil))
	consumed, err := svc.ConsumeCredits(context.Background(), 1, 4, "second", nil)
	require.NoError(t, err)
	require.True(t, consumed)

	history, err := svc.History(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, model.CreditConsumed, history[0].Type)
	require.Equal(t, model.CreditPurchased, history[1].Type)
}
