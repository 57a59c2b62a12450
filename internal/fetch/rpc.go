package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/network-contribution-rewards/ncr/internal/config"
	"github.com/network-contribution-rewards/ncr/internal/logging"
	"github.com/network-contribution-rewards/ncr/internal/models"
)

// RPCFetcher implements Fetcher against the ledger's JSON-RPC endpoint.
// Requests are throttled by a shared token-bucket limiter.
type RPCFetcher struct {
	cfg     config.LedgerConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  logging.Logger

	requestID int64
	mu        sync.Mutex
}

// NewRPCFetcher creates a throttled ledger client.
func NewRPCFetcher(cfg config.LedgerConfig, logger logging.Logger) (*RPCFetcher, error) {
	if cfg.RPCEndpoint == "" {
		return nil, fmt.Errorf("%w: rpc endpoint not set", ErrConfiguration)
	}
	if cfg.RequestsPerSec <= 0 {
		return nil, fmt.Errorf("%w: requests_per_sec must be positive", ErrConfiguration)
	}
	burst := cfg.RequestBurst
	if burst < 1 {
		burst = 1
	}
	return &RPCFetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst),
		logger:  logger,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs one throttled JSON-RPC request and decodes its result.
func (f *RPCFetcher) call(ctx context.Context, method string, params, result any) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", ErrRPC, err)
	}

	f.mu.Lock()
	f.requestID++
	id := f.requestID
	f.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%w: encoding request: %v", ErrRPC, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.RPCEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrRPC, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRPC, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrRPC, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrRPC, method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s: %v", ErrRPC, method, rpcResp.Error)
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("%w: decoding %s result: %v", ErrDeserialization, method, err)
	}
	return nil
}

type epochInfo struct {
	Epoch   uint64 `json:"epoch"`
	StartUs uint64 `json:"start_us"`
	EndUs   uint64 `json:"end_us"`
}

// CurrentEpoch returns the epoch the ledger is currently in.
func (f *RPCFetcher) CurrentEpoch(ctx context.Context) (uint64, error) {
	var info epochInfo
	if err := f.call(ctx, "getEpochInfo", nil, &info); err != nil {
		return 0, err
	}
	return info.Epoch, nil
}

// Fetch retrieves the topology snapshot and both telemetry sample sets
// for the requested epoch. Topology and the two account scans run
// concurrently; a failure in any of them fails the whole fetch.
func (f *RPCFetcher) Fetch(ctx context.Context, epoch *uint64) (*RawFetchResult, error) {
	target, window, err := f.resolveEpoch(ctx, epoch)
	if err != nil {
		return nil, err
	}

	var (
		wg        sync.WaitGroup
		topology  *models.DataStore
		telemetry []models.RawSample
		internet  []models.InternetSample
		errs      = make([]error, 3)
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		topology, errs[0] = f.fetchTopology(ctx)
	}()
	go func() {
		defer wg.Done()
		telemetry, errs[1] = f.fetchTelemetry(ctx, target)
	}()
	go func() {
		defer wg.Done()
		internet, errs[2] = f.fetchInternet(ctx, target)
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	topology.Metadata = models.FetchMetadata{
		Epoch:     target,
		AfterUs:   window.StartUs,
		BeforeUs:  window.EndUs,
		FetchedAt: time.Now().UTC(),
	}
	topology.TelemetrySamples = telemetry
	topology.InternetSamples = internet

	f.logger.Info(ctx, "ledger fetch complete",
		zap.Uint64("epoch", target),
		zap.Int("devices", len(topology.Devices)),
		zap.Int("links", len(topology.Links)),
		zap.Int("telemetry_samples", len(telemetry)),
		zap.Int("internet_samples", len(internet)))

	return &RawFetchResult{
		Topology:         topology,
		Epoch:            target,
		TelemetrySamples: telemetry,
		InternetSamples:  internet,
	}, nil
}

// resolveEpoch maps a nil request to the most recently closed epoch and
// returns its time window.
func (f *RPCFetcher) resolveEpoch(ctx context.Context, epoch *uint64) (uint64, epochInfo, error) {
	var info epochInfo
	if err := f.call(ctx, "getEpochInfo", nil, &info); err != nil {
		return 0, epochInfo{}, err
	}

	target := info.Epoch
	if epoch != nil {
		target = *epoch
	} else {
		if info.Epoch == 0 {
			return 0, epochInfo{}, fmt.Errorf("%w: epoch 0 has no closed predecessor", ErrInvalidEpoch)
		}
		target = info.Epoch - 1
	}
	if target > info.Epoch {
		return 0, epochInfo{}, fmt.Errorf("%w: epoch %d is in the future", ErrInvalidEpoch, target)
	}

	var window epochInfo
	if err := f.call(ctx, "getEpochWindow", map[string]uint64{"epoch": target}, &window); err != nil {
		return 0, epochInfo{}, err
	}
	return target, window, nil
}

type topologySnapshot struct {
	Devices   []*models.Device   `json:"devices"`
	Locations []*models.Location `json:"locations"`
	Exchanges []*models.Exchange `json:"exchanges"`
	Links     []*models.Link     `json:"links"`
	Users     []*models.User     `json:"users"`
}

func (f *RPCFetcher) fetchTopology(ctx context.Context) (*models.DataStore, error) {
	var snap topologySnapshot
	if err := f.call(ctx, "getTopology", nil, &snap); err != nil {
		return nil, err
	}

	store := models.NewDataStore()
	for _, d := range snap.Devices {
		store.Devices[d.PubKey] = d
	}
	for _, l := range snap.Locations {
		store.Locations[l.PubKey] = l
	}
	for _, e := range snap.Exchanges {
		store.Exchanges[e.PubKey] = e
	}
	for _, l := range snap.Links {
		store.Links[l.PubKey] = l
	}
	for _, u := range snap.Users {
		store.Users[u.PubKey] = u
	}
	return store, nil
}

type ledgerAccount struct {
	PubKey string `json:"pub_key"`
	Data   string `json:"data"`
}

func (f *RPCFetcher) fetchTelemetry(ctx context.Context, epoch uint64) ([]models.RawSample, error) {
	payloads, err := f.fetchAccounts(ctx, epoch, DiscriminatorDeviceTelemetry)
	if err != nil {
		return nil, err
	}

	var samples []models.RawSample
	for _, payload := range payloads {
		var batch []models.RawSample
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, fmt.Errorf("%w: decoding telemetry batch: %v", ErrDeserialization, err)
		}
		samples = append(samples, batch...)
	}
	return samples, nil
}

func (f *RPCFetcher) fetchInternet(ctx context.Context, epoch uint64) ([]models.InternetSample, error) {
	payloads, err := f.fetchAccounts(ctx, epoch, DiscriminatorInternetTelemetry)
	if err != nil {
		return nil, err
	}

	var samples []models.InternetSample
	for _, payload := range payloads {
		var batch []models.InternetSample
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, fmt.Errorf("%w: decoding internet batch: %v", ErrDeserialization, err)
		}
		samples = append(samples, batch...)
	}
	return samples, nil
}

// fetchAccounts scans the telemetry program's accounts for one epoch and
// discriminator, validating every account's embedded epoch. Mismatched
// accounts are excluded with a warning; if exclusions drop coverage
// below the configured minimum the whole fetch fails.
func (f *RPCFetcher) fetchAccounts(ctx context.Context, epoch uint64, discriminator byte) ([][]byte, error) {
	var accounts []ledgerAccount
	params := map[string]uint64{"epoch": epoch, "discriminator": uint64(discriminator)}
	if err := f.call(ctx, "getTelemetryAccounts", params, &accounts); err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: epoch %d discriminator %d", ErrNoAccountsFound, epoch, discriminator)
	}

	var (
		payloads [][]byte
		excluded int
	)
	for _, acct := range accounts {
		raw, err := base64.StdEncoding.DecodeString(acct.Data)
		if err != nil {
			f.logger.Warn(ctx, "excluding undecodable account",
				zap.String("account", acct.PubKey), zap.Error(err))
			excluded++
			continue
		}
		header, err := DecodeAccountHeader(raw)
		if err != nil {
			f.logger.Warn(ctx, "excluding malformed account",
				zap.String("account", acct.PubKey), zap.Error(err))
			excluded++
			continue
		}
		if header.Discriminator != discriminator {
			f.logger.Warn(ctx, "excluding account with unexpected discriminator",
				zap.String("account", acct.PubKey),
				zap.Uint8("discriminator", header.Discriminator))
			excluded++
			continue
		}
		if err := ValidateAccountEpoch(header, epoch); err != nil {
			f.logger.Warn(ctx, "excluding account from wrong epoch",
				zap.String("account", acct.PubKey), zap.Error(err))
			excluded++
			continue
		}
		payload, err := AccountPayload(raw)
		if err != nil {
			excluded++
			continue
		}
		payloads = append(payloads, payload)
	}

	coverage := float64(len(payloads)) / float64(len(accounts))
	if coverage < f.cfg.MinCoverage {
		return nil, fmt.Errorf("%w: only %d of %d accounts usable for epoch %d",
			ErrDeserialization, len(payloads), len(accounts), epoch)
	}
	if excluded > 0 {
		f.logger.Warn(ctx, "excluded anomalous accounts",
			zap.Uint64("epoch", epoch), zap.Int("excluded", excluded))
	}
	return payloads, nil
}
