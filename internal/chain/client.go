package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"example.com/ticketing/services/fulfillment/config"
	"example.com/ticketing/services/fulfillment/internal/models"
	"example.com/ticketing/services/fulfillment/internal/retry"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DelegatedItem is one row of a delegated batch submission
type DelegatedItem struct {
	SchemaUID string
	Recipient string
	Payload   []byte
	Deadline  int64
	Signature []byte
}

// Client orchestrates calls to the blockchain node. The engine never talks to
// the node outside this interface.
type Client interface {
	// SignerAddress returns the funded service signer's address
	SignerAddress() string
	// DeployEvent deploys an event contract through the factory and returns
	// the new contract address and the deployment transaction hash
	DeployEvent(ctx context.Context, fields models.PublishFields) (address string, txHash string, err error)
	// RegisterManager registers a manager on a deployed event contract.
	// Safe to re-invoke: an already-registered manager is a no-op.
	RegisterManager(ctx context.Context, contract, manager string) (txHash string, err error)
	// MintTicket mints one ticket for an order and returns the token id
	MintTicket(ctx context.Context, contract, recipient, reference string) (tokenID string, txHash string, err error)
	// Attest registers a single attestation and returns its UID
	Attest(ctx context.Context, schemaUID, recipient string, payload []byte) (uid string, txHash string, err error)
	// SubmitDelegatedBatch submits one transaction carrying every delegated
	// request and returns its hash once broadcast
	SubmitDelegatedBatch(ctx context.Context, items []DelegatedItem) (txHash string, err error)
	// IssuedUIDs waits for the transaction receipt and extracts the issued
	// identifiers from the registry logs, in receipt log order
	IssuedUIDs(ctx context.Context, txHash string) ([]string, error)
	// IssuedTokenIDs extracts minted token ids from a ticket transaction
	IssuedTokenIDs(ctx context.Context, txHash string) ([]string, error)
}

// EthClient implements Client over a go-ethereum RPC connection
type EthClient struct {
	eth            *ethclient.Client
	chainID        *big.Int
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	factory        *bind.BoundContract
	registry       *bind.BoundContract
	ticket         *bind.BoundContract
	registryAddr   common.Address
	ticketAddr     common.Address
	factoryAddr    common.Address
	registryABI    abi.ABI
	ticketABI      abi.ABI
	factoryABI     abi.ABI
	confirmTimeout time.Duration
	retryCfg       retry.Config
}

// NewEthClient connects to the configured RPC endpoint and prepares the
// funded service signer
func NewEthClient(cfg config.ChainConfig) (*EthClient, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to chain RPC")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid service signer key")
	}

	factoryABI, err := abi.JSON(strings.NewReader(eventFactoryABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse factory ABI")
	}
	registryABI, err := abi.JSON(strings.NewReader(attestationRegistryABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse registry ABI")
	}
	ticketABI, err := abi.JSON(strings.NewReader(ticketLedgerABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ticket ABI")
	}

	registryAddr := common.HexToAddress(cfg.RegistryAddress)
	ticketAddr := common.HexToAddress(cfg.TicketAddress)

	c := &EthClient{
		eth:            eth,
		chainID:        big.NewInt(cfg.ChainID),
		privateKey:     key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		registryAddr:   registryAddr,
		ticketAddr:     ticketAddr,
		registryABI:    registryABI,
		ticketABI:      ticketABI,
		factoryABI:     factoryABI,
		confirmTimeout: cfg.ConfirmationTimeout,
		retryCfg:       retry.DefaultConfig(),
	}
	c.registry = bind.NewBoundContract(registryAddr, registryABI, eth, eth, eth)
	c.ticket = bind.NewBoundContract(ticketAddr, ticketABI, eth, eth, eth)
	c.factoryAddr = common.HexToAddress(cfg.FactoryAddress)
	c.factory = bind.NewBoundContract(c.factoryAddr, factoryABI, eth, eth, eth)
	return c, nil
}

// SignerAddress returns the funded service signer's address
func (c *EthClient) SignerAddress() string {
	return c.address.Hex()
}

// transactor builds a fresh transact opts for one submission
func (c *EthClient) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.privateKey, c.chainID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build transactor")
	}
	opts.Context = ctx
	return opts, nil
}

// transact submits one contract call through the retry primitive
func (c *EthClient) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (*types.Transaction, error) {
	var tx *types.Transaction
	err := retry.Do(ctx, func(ctx context.Context) error {
		opts, err := c.transactor(ctx)
		if err != nil {
			return err
		}
		tx, err = contract.Transact(opts, method, args...)
		return err
	}, c.retryCfg)
	if err != nil {
		return nil, errors.Wrapf(err, "transaction %s failed", method)
	}
	return tx, nil
}

// DeployEvent deploys an event contract through the factory
func (c *EthClient) DeployEvent(ctx context.Context, fields models.PublishFields) (string, string, error) {
	tx, err := c.transact(ctx, c.factory, "createEvent",
		strings.TrimSpace(fields.Title),
		big.NewInt(fields.Capacity),
		common.HexToAddress(fields.Creator),
	)
	if err != nil {
		return "", "", err
	}

	receipt, err := c.waitForReceipt(ctx, tx.Hash())
	if err != nil {
		return "", "", err
	}

	created := c.factoryABI.Events["EventCreated"]
	for _, lg := range receipt.Logs {
		if len(lg.Topics) > 0 && lg.Topics[0] == created.ID {
			// address is the first indexed topic
			if len(lg.Topics) > 1 {
				return common.BytesToAddress(lg.Topics[1].Bytes()).Hex(), tx.Hash().Hex(), nil
			}
		}
	}
	return "", tx.Hash().Hex(), errors.New("deployment receipt carried no EventCreated log")
}

// RegisterManager registers a manager on an event contract. The contract
// treats an already-registered manager as a no-op, which keeps the step
// idempotent under stepper retries.
func (c *EthClient) RegisterManager(ctx context.Context, contract, manager string) (string, error) {
	bound := bind.NewBoundContract(common.HexToAddress(contract), c.factoryABI, c.eth, c.eth, c.eth)
	tx, err := c.transact(ctx, bound, "registerManager", common.HexToAddress(manager))
	if err != nil {
		return "", err
	}
	if _, err := c.waitForReceipt(ctx, tx.Hash()); err != nil {
		return tx.Hash().Hex(), err
	}
	return tx.Hash().Hex(), nil
}

// MintTicket mints one ticket for an order
func (c *EthClient) MintTicket(ctx context.Context, contract, recipient, reference string) (string, string, error) {
	bound := c.ticket
	if contract != "" && common.HexToAddress(contract) != c.ticketAddr {
		bound = bind.NewBoundContract(common.HexToAddress(contract), c.ticketABI, c.eth, c.eth, c.eth)
	}

	tx, err := c.transact(ctx, bound, "mintFor",
		common.HexToAddress(recipient),
		crypto.Keccak256Hash([]byte(reference)),
	)
	if err != nil {
		return "", "", err
	}

	tokenIDs, err := c.IssuedTokenIDs(ctx, tx.Hash().Hex())
	if err != nil {
		return "", tx.Hash().Hex(), err
	}
	if len(tokenIDs) == 0 {
		return "", tx.Hash().Hex(), errors.New("mint receipt carried no TicketIssued log")
	}
	return tokenIDs[0], tx.Hash().Hex(), nil
}

// Attest registers a single attestation
func (c *EthClient) Attest(ctx context.Context, schemaUID, recipient string, payload []byte) (string, string, error) {
	tx, err := c.transact(ctx, c.registry, "attest",
		common.HexToHash(schemaUID),
		common.HexToAddress(recipient),
		payload,
	)
	if err != nil {
		return "", "", err
	}

	uids, err := c.IssuedUIDs(ctx, tx.Hash().Hex())
	if err != nil {
		return "", tx.Hash().Hex(), err
	}
	if len(uids) == 0 {
		return "", tx.Hash().Hex(), errors.New("attest receipt carried no Attested log")
	}
	return uids[0], tx.Hash().Hex(), nil
}

// SubmitDelegatedBatch submits one multiAttestByDelegation transaction
func (c *EthClient) SubmitDelegatedBatch(ctx context.Context, items []DelegatedItem) (string, error) {
	if len(items) == 0 {
		return "", errors.New("empty delegated batch")
	}

	schemas := make([]common.Hash, len(items))
	recipients := make([]common.Address, len(items))
	payloads := make([][]byte, len(items))
	deadlines := make([]*big.Int, len(items))
	signatures := make([][]byte, len(items))
	for i, item := range items {
		schemas[i] = common.HexToHash(item.SchemaUID)
		recipients[i] = common.HexToAddress(item.Recipient)
		payloads[i] = item.Payload
		deadlines[i] = big.NewInt(item.Deadline)
		signatures[i] = item.Signature
	}

	tx, err := c.transact(ctx, c.registry, "multiAttestByDelegation",
		schemas, recipients, payloads, deadlines, signatures)
	if err != nil {
		return "", err
	}

	log.Info().
		Str("tx_hash", tx.Hash().Hex()).
		Int("items", len(items)).
		Msg("Delegated batch submitted")
	return tx.Hash().Hex(), nil
}

// IssuedUIDs waits for the receipt and extracts Attested UIDs in log order
func (c *EthClient) IssuedUIDs(ctx context.Context, txHash string) ([]string, error) {
	receipt, err := c.waitForReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, err
	}
	return ExtractIssuedUIDs(c.registryABI, receipt.Logs)
}

// IssuedTokenIDs waits for the receipt and extracts minted token ids in log order
func (c *EthClient) IssuedTokenIDs(ctx context.Context, txHash string) ([]string, error) {
	receipt, err := c.waitForReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, err
	}
	return ExtractTokenIDs(c.ticketABI, receipt.Logs)
}

// waitForReceipt polls the node until the transaction is mined or the
// confirmation timeout elapses. A reverted transaction is an error.
func (c *EthClient) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	timeout := c.confirmTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, errors.Errorf("execution reverted in transaction %s", hash.Hex())
			}
			return receipt, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "timeout waiting for receipt of %s", hash.Hex())
		}
	}
}
