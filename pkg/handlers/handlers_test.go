package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chris/bank-ledger-core/pkg/admin"
	"github.com/chris/bank-ledger-core/pkg/engine"
	"github.com/chris/bank-ledger-core/pkg/models"
	"github.com/chris/bank-ledger-core/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTransferService struct {
	mock.Mock
}

func (m *mockTransferService) Transfer(ctx context.Context, sourceID, destinationID string, amount int64, idempotencyKey string) (*models.TransferResult, error) {
	args := m.Called(ctx, sourceID, destinationID, amount, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TransferResult), args.Error(1)
}

func (m *mockTransferService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTransferService) GetHistory(ctx context.Context, accountID string, from, to time.Time) ([]models.LedgerEntry, error) {
	args := m.Called(ctx, accountID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.LedgerEntry), args.Error(1)
}

type mockAdminService struct {
	mock.Mock
}

func (m *mockAdminService) Freeze(ctx context.Context, accountID, actor, reason string) error {
	return m.Called(ctx, accountID, actor, reason).Error(0)
}

func (m *mockAdminService) Unfreeze(ctx context.Context, accountID, actor string) error {
	return m.Called(ctx, accountID, actor).Error(0)
}

func (m *mockAdminService) Close(ctx context.Context, accountID, actor string) error {
	return m.Called(ctx, accountID, actor).Error(0)
}

func (m *mockAdminService) Inspect(ctx context.Context, accountID string) (*models.Account, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *mockAdminService) RecentLedgerEntries(ctx context.Context, limit int32) ([]models.LedgerEntry, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.LedgerEntry), args.Error(1)
}

type mockAccountStore struct {
	mock.Mock
}

func (m *mockAccountStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *mockAccountStore) CreateAccount(ctx context.Context, ownerID string, initialBalance int64) (*models.Account, error) {
	args := m.Called(ctx, ownerID, initialBalance)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *mockAccountStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Account), args.Error(1)
}

func (m *mockAccountStore) SetStatus(ctx context.Context, accountID string, next models.AccountStatus, actor string) error {
	return m.Called(ctx, accountID, next, actor).Error(0)
}

func (m *mockAccountStore) ApplyMutation(ctx context.Context, accountID string, delta int64, expectedVersion int64) (*models.Account, error) {
	args := m.Called(ctx, accountID, delta, expectedVersion)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func newTestServer(transfers *mockTransferService, adminSvc *mockAdminService, accounts *mockAccountStore) *httptest.Server {
	h := NewApiHandler(transfers, adminSvc, accounts)
	r := chi.NewRouter()
	h.Routes(r)
	return httptest.NewServer(r)
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCreateAccountHandler(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		accounts := new(mockAccountStore)
		accounts.On("CreateAccount", mock.Anything, "owner-1", int64(5000)).
			Return(&models.Account{Id: "acct-1", OwnerId: "owner-1", Balance: 5000, Status: models.StatusActive, Version: 1}, nil)

		srv := newTestServer(new(mockTransferService), new(mockAdminService), accounts)
		defer srv.Close()

		resp := doJSON(t, http.MethodPost, srv.URL+"/accounts", NewAccountRequest{OwnerId: "owner-1", InitialBalance: 5000})

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		var acct models.Account
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&acct))
		assert.Equal(t, "acct-1", acct.Id)
		accounts.AssertExpectations(t)
	})

	t.Run("Missing Owner", func(t *testing.T) {
		srv := newTestServer(new(mockTransferService), new(mockAdminService), new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodPost, srv.URL+"/accounts", NewAccountRequest{InitialBalance: 100})

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetBalanceHandler(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		transfers := new(mockTransferService)
		transfers.On("GetBalance", mock.Anything, "acct-1").Return(int64(700), nil)

		srv := newTestServer(transfers, new(mockAdminService), new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodGet, srv.URL+"/accounts/acct-1/balance", nil)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var body BalanceResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, int64(700), body.Balance)
		transfers.AssertExpectations(t)
	})

	t.Run("Not Found", func(t *testing.T) {
		transfers := new(mockTransferService)
		transfers.On("GetBalance", mock.Anything, "missing").Return(int64(0), storage.ErrAccountNotFound)

		srv := newTestServer(transfers, new(mockAdminService), new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodGet, srv.URL+"/accounts/missing/balance", nil)

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGetHistoryHandler(t *testing.T) {
	t.Run("Parses Window", func(t *testing.T) {
		from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		transfers := new(mockTransferService)
		transfers.On("GetHistory", mock.Anything, "acct-1", from, time.Time{}).
			Return([]models.LedgerEntry{{EntryID: "e-1"}}, nil)

		srv := newTestServer(transfers, new(mockAdminService), new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodGet, srv.URL+"/accounts/acct-1/history?from=2026-01-01T00:00:00Z", nil)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var entries []models.LedgerEntry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
		require.Len(t, entries, 1)
		transfers.AssertExpectations(t)
	})

	t.Run("Bad Timestamp", func(t *testing.T) {
		srv := newTestServer(new(mockTransferService), new(mockAdminService), new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodGet, srv.URL+"/accounts/acct-1/history?from=yesterday", nil)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCreateTransferHandler(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		result := &models.TransferResult{TransferID: "t-1", Status: models.TransferCommitted, NewSourceBalance: 700, NewDestinationBalance: 300}
		transfers := new(mockTransferService)
		transfers.On("Transfer", mock.Anything, "acct-a", "acct-b", int64(300), "key-1").Return(result, nil)

		srv := newTestServer(transfers, new(mockAdminService), new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodPost, srv.URL+"/transfers", NewTransferRequest{
			SourceAccountId:      "acct-a",
			DestinationAccountId: "acct-b",
			Amount:               300,
			IdempotencyKey:       "key-1",
		})

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var got models.TransferResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, "t-1", got.TransferID)
		transfers.AssertExpectations(t)
	})

	t.Run("Header Key Wins", func(t *testing.T) {
		transfers := new(mockTransferService)
		transfers.On("Transfer", mock.Anything, "acct-a", "acct-b", int64(300), "header-key").
			Return(&models.TransferResult{TransferID: "t-1"}, nil)

		srv := newTestServer(transfers, new(mockAdminService), new(mockAccountStore))
		defer srv.Close()

		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(NewTransferRequest{
			SourceAccountId:      "acct-a",
			DestinationAccountId: "acct-b",
			Amount:               300,
			IdempotencyKey:       "body-key",
		}))
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/transfers", &buf)
		require.NoError(t, err)
		req.Header.Set("Idempotency-Key", "header-key")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		transfers.AssertExpectations(t)
	})

	t.Run("Error Mapping", func(t *testing.T) {
		cases := []struct {
			name string
			err  error
			want int
		}{
			{"Invalid Amount", storage.ErrInvalidAmount, http.StatusBadRequest},
			{"Self Transfer", engine.ErrSelfTransfer, http.StatusBadRequest},
			{"Unknown Account", storage.ErrAccountNotFound, http.StatusNotFound},
			{"Insufficient Funds", storage.ErrInsufficientFunds, http.StatusUnprocessableEntity},
			{"Frozen Account", engine.ErrAccountNotActive, http.StatusConflict},
			{"Contended", engine.ErrContended, http.StatusServiceUnavailable},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				transfers := new(mockTransferService)
				transfers.On("Transfer", mock.Anything, "acct-a", "acct-b", int64(300), "").Return(nil, tc.err)

				srv := newTestServer(transfers, new(mockAdminService), new(mockAccountStore))
				defer srv.Close()

				resp := doJSON(t, http.MethodPost, srv.URL+"/transfers", NewTransferRequest{
					SourceAccountId:      "acct-a",
					DestinationAccountId: "acct-b",
					Amount:               300,
				})

				assert.Equal(t, tc.want, resp.StatusCode)
			})
		}
	})
}

func TestAdminHandlers(t *testing.T) {
	t.Run("Freeze", func(t *testing.T) {
		adminSvc := new(mockAdminService)
		adminSvc.On("Freeze", mock.Anything, "acct-1", "admin-1", "fraud review").Return(nil)

		srv := newTestServer(new(mockTransferService), adminSvc, new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodPost, srv.URL+"/admin/accounts/acct-1/freeze",
			AdminActionRequest{Actor: "admin-1", Reason: "fraud review"})

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		adminSvc.AssertExpectations(t)
	})

	t.Run("Freeze Requires Actor", func(t *testing.T) {
		srv := newTestServer(new(mockTransferService), new(mockAdminService), new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodPost, srv.URL+"/admin/accounts/acct-1/freeze", AdminActionRequest{})

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Unfreeze Conflict", func(t *testing.T) {
		adminSvc := new(mockAdminService)
		adminSvc.On("Unfreeze", mock.Anything, "acct-1", "admin-1").Return(admin.ErrNotFrozen)

		srv := newTestServer(new(mockTransferService), adminSvc, new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodPost, srv.URL+"/admin/accounts/acct-1/unfreeze",
			AdminActionRequest{Actor: "admin-1"})

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("Close With Funds", func(t *testing.T) {
		adminSvc := new(mockAdminService)
		adminSvc.On("Close", mock.Anything, "acct-1", "admin-1").Return(storage.ErrNonZeroBalance)

		srv := newTestServer(new(mockTransferService), adminSvc, new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodPost, srv.URL+"/admin/accounts/acct-1/close",
			AdminActionRequest{Actor: "admin-1"})

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("Inspect", func(t *testing.T) {
		adminSvc := new(mockAdminService)
		adminSvc.On("Inspect", mock.Anything, "acct-1").
			Return(&models.Account{Id: "acct-1", Status: models.StatusFrozen, Version: 4}, nil)

		srv := newTestServer(new(mockTransferService), adminSvc, new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodGet, srv.URL+"/admin/accounts/acct-1", nil)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var acct models.Account
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&acct))
		assert.Equal(t, models.StatusFrozen, acct.Status)
	})

	t.Run("Recent Ledger Uses Limit", func(t *testing.T) {
		adminSvc := new(mockAdminService)
		adminSvc.On("RecentLedgerEntries", mock.Anything, int32(5)).
			Return([]models.LedgerEntry{{EntryID: "e-1"}}, nil)

		srv := newTestServer(new(mockTransferService), adminSvc, new(mockAccountStore))
		defer srv.Close()

		resp := doJSON(t, http.MethodGet, srv.URL+"/admin/ledger?limit=5", nil)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		adminSvc.AssertExpectations(t)
	})
}
