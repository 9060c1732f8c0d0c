package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"cewatcher/internal/metrics"
	"cewatcher/internal/storage"
)

const (
	erc4626ABIJSON = `[{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc4626ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// contractCaller is the part of ethclient.Client used for vault reads.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthereumOptions parameterise the on-chain vault source.
type EthereumOptions struct {
	RPCURL            string
	Timeout           time.Duration
	RequestsPerSecond float64
	// Decimals of the vault share token; one whole share is priced.
	Decimals int32
}

// EthereumSource reads ERC-4626 share prices. Each rate id is a vault address
// and its value is convertToAssets(one share).
type EthereumSource struct {
	opts      EthereumOptions
	logger    zerolog.Logger
	limiter   *rate.Limiter
	client    contractCaller
	clientMux sync.Mutex
}

// NewEthereumSource builds a vault rate source.
func NewEthereumSource(opts EthereumOptions, logger zerolog.Logger) *EthereumSource {
	if opts.Decimals <= 0 {
		opts.Decimals = 18
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &EthereumSource{
		opts:    opts,
		logger:  logger.With().Str("component", "ethereum_source").Logger(),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// FetchRates prices every vault address in ids.
func (e *EthereumSource) FetchRates(ctx context.Context, ids []string) (map[string]storage.RateObservation, error) {
	if e.opts.RPCURL == "" && e.client == nil {
		return nil, fmt.Errorf("%w: ethereum rpc url not configured", ErrFetch)
	}

	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial rpc: %w", ErrFetch, err)
	}

	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e.opts.Decimals)), nil)
	payload, err := erc4626ABI.Pack("convertToAssets", one)
	if err != nil {
		return nil, fmt.Errorf("%w: pack call: %w", ErrFetch, err)
	}

	out := make(map[string]storage.RateObservation, len(ids))
	for _, id := range ids {
		if !common.IsHexAddress(id) {
			metrics.MissingRatesTotal.WithLabelValues(id).Inc()
			e.logger.Warn().Str("rate_id", id).Msg("rate id is not a vault address, skipping")
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetch, err)
		}

		assets, err := e.convertToAssets(ctx, client, common.HexToAddress(id), payload)
		if err != nil {
			return nil, fmt.Errorf("%w: vault %s: %w", ErrFetch, id, err)
		}
		out[id] = storage.RateObservation{
			ID:    id,
			RawID: id,
			Value: decimal.NewNullDecimal(decimal.NewFromBigInt(assets, -e.opts.Decimals)),
		}
	}

	return out, nil
}

func (e *EthereumSource) convertToAssets(ctx context.Context, client contractCaller, addr common.Address, payload []byte) (*big.Int, error) {
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}

	outputs, err := erc4626ABI.Unpack("convertToAssets", res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected convertToAssets response")
	}

	assets, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode convertToAssets output")
	}
	return assets, nil
}

func (e *EthereumSource) getClient(ctx context.Context) (contractCaller, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

var _ RateSource = (*EthereumSource)(nil)
