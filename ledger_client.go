package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// AddressSummary is the wire form of an AddressTransactionSummary: the
// ledger asserting that an address participated in a txid.
type AddressSummary struct {
	Address string    `json:"address" validate:"required"`
	TxID    string    `json:"txid" validate:"required"`
	Time    time.Time `json:"time"`
}

type DetailInput struct {
	PrevTxID  string `json:"prev_txid" validate:"required"`
	PrevIndex uint32 `json:"prev_index"`
	ValueSats int64  `json:"value_sats"`
}

type DetailOutput struct {
	N         uint32 `json:"n"`
	Address   string `json:"address"`
	ValueSats int64  `json:"value_sats"`
}

type TransactionDetail struct {
	TxID        string         `json:"txid" validate:"required"`
	BlockHeight *int64         `json:"block_height"`
	Time        time.Time      `json:"time"`
	Inputs      []DetailInput  `json:"inputs"`
	Outputs     []DetailOutput `json:"outputs"`
}

// NetworkInfo is the cached network metadata refreshed once per pass before
// any confirmation-count math.
type NetworkInfo struct {
	BestHeight          int64           `json:"best_height" validate:"required"`
	FeeFastSatsPerVByte float64         `json:"fee_fast"`
	FeeMedSatsPerVByte  float64         `json:"fee_med"`
	FeeSlowSatsPerVByte float64         `json:"fee_slow"`
	ExchangeRateUSD     decimal.Decimal `json:"exchange_rate_usd"`
}

// TransactionNotification carries an encrypted shared payload attached to a
// transaction.
type TransactionNotification struct {
	TxID    string `json:"txid" validate:"required"`
	Address string `json:"address"`
	Payload []byte `json:"payload"`
}

// Server-side address-request statuses. The server's vocabulary is narrower
// than the local state machine.
const (
	AddressRequestStatusNew       = "new"
	AddressRequestStatusCompleted = "completed"
	AddressRequestStatusCanceled  = "canceled"
	AddressRequestStatusExpired   = "expired"
)

// AddressRequestRecord is the server's view of an invitation.
type AddressRequestRecord struct {
	ID               string          `json:"id" validate:"required"`
	Status           string          `json:"status" validate:"required"`
	Side             string          `json:"side"`
	AckID            string          `json:"ack_id"`
	Address          string          `json:"address"`
	Invoice          string          `json:"invoice"`
	TxID             string          `json:"txid"`
	PreauthID        string          `json:"preauth_id"`
	AmountSats       int64           `json:"amount_sats"`
	FeeSats          int64           `json:"fee_sats"`
	CounterpartyKind string          `json:"counterparty_kind"`
	CounterpartyMeta json.RawMessage `json:"counterparty_meta"`
	CreatedAt        time.Time       `json:"created_at"`
}

// LightningEntryRecord is one page item of the Lightning ledger feed.
type LightningEntryRecord struct {
	ID                string     `json:"id" validate:"required"`
	RequestID         string     `json:"request_id"`
	Type              string     `json:"type" validate:"oneof=btc lightning"`
	Direction         string     `json:"direction" validate:"oneof=in out"`
	ValueSats         int64      `json:"value_sats"`
	NetworkFeeSats    int64      `json:"network_fee_sats"`
	ProcessingFeeSats int64      `json:"processing_fee_sats"`
	IsPreauth         bool       `json:"is_preauth"`
	Memo              string     `json:"memo"`
	ExpiresAt         *time.Time `json:"expires_at"`
	Timestamp         time.Time  `json:"timestamp"`
}

// BlockEvent is pushed on the websocket feed when a block is mined.
type BlockEvent struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// LedgerClient is the remote blockchain/Lightning ledger API boundary.
//
// FetchTransactionSummaries returns ErrEmptyResponse when the queried
// addresses have no activity; that is a scanning signal, not a failure.
type LedgerClient interface {
	FetchTransactionSummaries(ctx context.Context, addresses []string, after *time.Time) ([]AddressSummary, error)
	FetchTransactionDetails(ctx context.Context, txids []string) ([]TransactionDetail, error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	// ConfirmTransactionPresence is the secondary ledger cross-check used
	// before marking a pending transaction failed.
	ConfirmTransactionPresence(ctx context.Context, txid string) (bool, error)
	FetchNetworkInfo(ctx context.Context) (NetworkInfo, error)
	FetchDayAveragePrice(ctx context.Context, day time.Time) (decimal.Decimal, error)
	FetchTransactionNotifications(ctx context.Context, txids []string) ([]TransactionNotification, error)
	FetchLightningLedger(ctx context.Context, since *time.Time, page, perPage int) ([]LightningEntryRecord, error)
	FetchReceivedAddressRequests(ctx context.Context) ([]AddressRequestRecord, error)
	FetchSentAddressRequests(ctx context.Context) ([]AddressRequestRecord, error)
	UpdateAddressRequestStatus(ctx context.Context, id, status, txid string) error
	CancelAddressRequest(ctx context.Context, id string) error
	CancelPreauth(ctx context.Context, preauthID string) error
	// SubscribeBlocks returns a nil channel when no websocket URL is
	// configured; callers may select on it either way.
	SubscribeBlocks(ctx context.Context) (<-chan BlockEvent, error)
}

var (
	validatorOnce     sync.Once
	validatorInstance *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInstance = validator.New()
	})
	return validatorInstance
}

// HTTPLedgerClient talks to the ledger REST API, authenticating each request
// with a short-lived HS256 token.
type HTTPLedgerClient struct {
	baseURL  string
	wsURL    string
	secret   []byte
	walletID string
	http     *http.Client
	logger   Logger
}

func NewHTTPLedgerClient(baseURL, wsURL, secret, walletID string, logger Logger) *HTTPLedgerClient {
	return &HTTPLedgerClient{
		baseURL:  baseURL,
		wsURL:    wsURL,
		secret:   []byte(secret),
		walletID: walletID,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger.NewSystem("ledger-client"),
	}
}

func (c *HTTPLedgerClient) authToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": c.walletID,
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	})
	return token.SignedString(c.secret)
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (c *HTTPLedgerClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.authToken()
	if err != nil {
		return errors.Wrap(err, "sign auth token")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrEmptyResponse
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		raw, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Message != "" {
			return errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Message)
		}
		return errors.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

func (c *HTTPLedgerClient) FetchTransactionSummaries(ctx context.Context, addresses []string, after *time.Time) ([]AddressSummary, error) {
	reqBody := map[string]interface{}{"addresses": addresses}
	if after != nil {
		reqBody["after"] = after.UTC().Format(time.RFC3339)
	}

	var summaries []AddressSummary
	if err := c.do(ctx, http.MethodPost, "/addresses/query", reqBody, &summaries); err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, ErrEmptyResponse
	}

	validate := getValidator()
	for i := range summaries {
		if err := validate.Struct(&summaries[i]); err != nil {
			return nil, errors.Wrap(err, "invalid address summary in response")
		}
	}
	return summaries, nil
}

func (c *HTTPLedgerClient) FetchTransactionDetails(ctx context.Context, txids []string) ([]TransactionDetail, error) {
	var details []TransactionDetail
	err := c.do(ctx, http.MethodPost, "/transactions/query", map[string]interface{}{"txids": txids}, &details)
	if err != nil {
		return nil, err
	}
	validate := getValidator()
	for i := range details {
		if err := validate.Struct(&details[i]); err != nil {
			return nil, errors.Wrap(err, "invalid transaction detail in response")
		}
	}
	return details, nil
}

func (c *HTTPLedgerClient) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	var result struct {
		TxID string `json:"txid"`
	}
	err := c.do(ctx, http.MethodPost, "/transactions/broadcast", map[string]interface{}{
		"raw": rawTx,
	}, &result)
	if err != nil {
		return "", c.mapBroadcastError(err)
	}
	return result.TxID, nil
}

// mapBroadcastError classifies broadcast rejections by the server's error
// vocabulary so the payment worker can remap funds/fee kinds.
func (c *HTTPLedgerClient) mapBroadcastError(err error) error {
	msg := err.Error()
	for kind, marker := range map[BroadcastErrorKind]string{
		BroadcastErrInsufficientFunds: "insufficient funds",
		BroadcastErrInsufficientFee:   "insufficient fee",
		BroadcastErrDust:              "dust",
		BroadcastErrMalformedAddress:  "malformed address",
	} {
		if strings.Contains(strings.ToLower(msg), marker) {
			return BroadcastError{Kind: kind, Err: err}
		}
	}
	return BroadcastError{Kind: BroadcastErrOther, Err: err}
}

func (c *HTTPLedgerClient) ConfirmTransactionPresence(ctx context.Context, txid string) (bool, error) {
	var result struct {
		Present bool `json:"present"`
	}
	err := c.do(ctx, http.MethodGet, "/transactions/"+txid+"/presence", nil, &result)
	if errors.Is(err, ErrEmptyResponse) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return result.Present, nil
}

func (c *HTTPLedgerClient) FetchNetworkInfo(ctx context.Context) (NetworkInfo, error) {
	var info NetworkInfo
	if err := c.do(ctx, http.MethodGet, "/network", nil, &info); err != nil {
		return NetworkInfo{}, err
	}
	if err := getValidator().Struct(&info); err != nil {
		return NetworkInfo{}, errors.Wrap(err, "invalid network info response")
	}
	return info, nil
}

func (c *HTTPLedgerClient) FetchDayAveragePrice(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	var result struct {
		Average decimal.Decimal `json:"average"`
	}
	err := c.do(ctx, http.MethodGet, "/prices/"+day.UTC().Format("2006-01-02"), nil, &result)
	if errors.Is(err, ErrEmptyResponse) {
		return decimal.Zero, ErrPriceNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return result.Average, nil
}

func (c *HTTPLedgerClient) FetchTransactionNotifications(ctx context.Context, txids []string) ([]TransactionNotification, error) {
	var notifications []TransactionNotification
	err := c.do(ctx, http.MethodPost, "/transactions/notifications/query", map[string]interface{}{"txids": txids}, &notifications)
	if errors.Is(err, ErrEmptyResponse) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return notifications, nil
}

func (c *HTTPLedgerClient) FetchLightningLedger(ctx context.Context, since *time.Time, page, perPage int) ([]LightningEntryRecord, error) {
	path := "/lightning/ledger?page=" + strconv.Itoa(page) + "&per_page=" + strconv.Itoa(perPage)
	if since != nil {
		path += "&since=" + since.UTC().Format(time.RFC3339)
	}

	var entries []LightningEntryRecord
	err := c.do(ctx, http.MethodGet, path, nil, &entries)
	if errors.Is(err, ErrEmptyResponse) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	validate := getValidator()
	for i := range entries {
		if err := validate.Struct(&entries[i]); err != nil {
			return nil, errors.Wrap(err, "invalid lightning entry in response")
		}
	}
	return entries, nil
}

func (c *HTTPLedgerClient) FetchReceivedAddressRequests(ctx context.Context) ([]AddressRequestRecord, error) {
	return c.fetchAddressRequests(ctx, "/address-requests/received")
}

func (c *HTTPLedgerClient) FetchSentAddressRequests(ctx context.Context) ([]AddressRequestRecord, error) {
	return c.fetchAddressRequests(ctx, "/address-requests/sent")
}

func (c *HTTPLedgerClient) fetchAddressRequests(ctx context.Context, path string) ([]AddressRequestRecord, error) {
	var records []AddressRequestRecord
	err := c.do(ctx, http.MethodGet, path, nil, &records)
	if errors.Is(err, ErrEmptyResponse) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	validate := getValidator()
	for i := range records {
		if err := validate.Struct(&records[i]); err != nil {
			return nil, errors.Wrap(err, "invalid address request in response")
		}
	}
	return records, nil
}

func (c *HTTPLedgerClient) UpdateAddressRequestStatus(ctx context.Context, id, status, txid string) error {
	return c.do(ctx, http.MethodPatch, "/address-requests/"+id, map[string]interface{}{
		"status": status,
		"txid":   txid,
	}, nil)
}

func (c *HTTPLedgerClient) CancelAddressRequest(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/address-requests/"+id, nil, nil)
}

func (c *HTTPLedgerClient) CancelPreauth(ctx context.Context, preauthID string) error {
	return c.do(ctx, http.MethodDelete, "/lightning/preauth/"+preauthID, nil, nil)
}

// BuildOnChainTransaction asks the hosted signing service to assemble and
// sign a payment. Coin selection runs server-side against this wallet's
// registered outputs.
func (c *HTTPLedgerClient) BuildOnChainTransaction(ctx context.Context, amountSats int64, address string, feeSats int64) (*BuiltTransaction, error) {
	var result struct {
		TxID    string `json:"txid"`
		Raw     []byte `json:"raw"`
		Inputs  []struct {
			PrevTxID  string `json:"prev_txid"`
			PrevIndex uint32 `json:"prev_index"`
			ValueSats int64  `json:"value_sats"`
			IsOwned   bool   `json:"is_owned"`
		} `json:"inputs"`
		Outputs []struct {
			N         uint32 `json:"n"`
			Address   string `json:"address"`
			ValueSats int64  `json:"value_sats"`
			IsOwned   bool   `json:"is_owned"`
		} `json:"outputs"`
	}
	err := c.do(ctx, http.MethodPost, "/transactions/build", map[string]interface{}{
		"amount_sats": amountSats,
		"address":     address,
		"fee_sats":    feeSats,
	}, &result)
	if err != nil {
		return nil, err
	}

	built := &BuiltTransaction{TxID: result.TxID, RawTx: result.Raw}
	for i, in := range result.Inputs {
		built.Inputs = append(built.Inputs, TxInput{
			N:         uint32(i),
			PrevTxID:  in.PrevTxID,
			PrevIndex: in.PrevIndex,
			ValueSats: in.ValueSats,
			IsOwned:   in.IsOwned,
		})
	}
	for _, out := range result.Outputs {
		built.Outputs = append(built.Outputs, TxOutput{
			N:         out.N,
			Address:   out.Address,
			ValueSats: out.ValueSats,
			IsOwned:   out.IsOwned,
		})
	}
	return built, nil
}

// PayLightning settles an invoice through the hosted Lightning account.
func (c *HTTPLedgerClient) PayLightning(ctx context.Context, invoice string, amountSats int64, memo string) (*LightningPaymentResult, error) {
	var result struct {
		PaymentID string `json:"payment_id"`
		FeeSats   int64  `json:"fee_sats"`
	}
	err := c.do(ctx, http.MethodPost, "/lightning/pay", map[string]interface{}{
		"invoice":     invoice,
		"amount_sats": amountSats,
		"memo":        memo,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &LightningPaymentResult{PaymentID: result.PaymentID, FeeSats: result.FeeSats}, nil
}

func (c *HTTPLedgerClient) SubscribeBlocks(ctx context.Context) (<-chan BlockEvent, error) {
	if c.wsURL == "" {
		return nil, nil
	}

	token, err := c.authToken()
	if err != nil {
		return nil, errors.Wrap(err, "sign auth token")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return nil, errors.Wrap(err, "dial block feed")
	}

	events := make(chan BlockEvent, 16)
	go func() {
		defer close(events)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		for {
			var event BlockEvent
			if err := conn.ReadJSON(&event); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("block feed closed", "error", err)
				}
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
