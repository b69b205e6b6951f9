package gelato

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emperorhan/vault-harvester/internal/chain"
	"github.com/emperorhan/vault-harvester/internal/chain/evm"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

const automateABIJSON = `[
  {"type":"function","name":"getTaskIdsByUser","stateMutability":"view",
   "inputs":[{"name":"taskCreator","type":"address"}],"outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"function","name":"getResolverHash","stateMutability":"pure",
   "inputs":[{"name":"resolverAddress","type":"address"},{"name":"resolverData","type":"bytes"}],
   "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"getTaskId","stateMutability":"pure",
   "inputs":[
     {"name":"taskCreator","type":"address"},
     {"name":"execAddress","type":"address"},
     {"name":"execSelector","type":"bytes4"},
     {"name":"useTaskTreasuryFunds","type":"bool"},
     {"name":"feeToken","type":"address"},
     {"name":"resolverHash","type":"bytes32"}],
   "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"createTask","stateMutability":"nonpayable",
   "inputs":[
     {"name":"execAddress","type":"address"},
     {"name":"execSelector","type":"bytes4"},
     {"name":"resolverAddress","type":"address"},
     {"name":"resolverData","type":"bytes"}],
   "outputs":[{"name":"task","type":"bytes32"}]},
  {"type":"function","name":"cancelTask","stateMutability":"nonpayable",
   "inputs":[{"name":"taskId","type":"bytes32"}],"outputs":[]}
]`

const harvesterABIJSON = `[
  {"type":"function","name":"checker","stateMutability":"view",
   "inputs":[{"name":"vault","type":"address"}],
   "outputs":[{"name":"canExec","type":"bool"},{"name":"execPayload","type":"bytes"}]},
  {"type":"function","name":"harvest","stateMutability":"nonpayable",
   "inputs":[{"name":"vault","type":"address"}],"outputs":[]}
]`

var (
	automateABI  = evm.MustParseABI(automateABIJSON)
	harvesterABI = evm.MustParseABI(harvesterABIJSON)
)

// FeeTokenTreasury is the fee token sentinel meaning "paid from the task treasury".
var FeeTokenTreasury = common.Address{}

// TaskID is the registry's identifier for an automation task.
type TaskID [32]byte

func (id TaskID) Hex() string { return hexutil.Encode(id[:]) }

func (id TaskID) String() string { return id.Hex() }

// Transactor signs, sends and waits for a transaction from the keeper account.
type Transactor interface {
	Transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error)
}

// MessageSigner produces personal signatures for the rename API.
type MessageSigner interface {
	SignMessage(msg []byte) ([]byte, error)
}

var ErrTxReverted = errors.New("registry transaction reverted")

// Config describes one chain's automation deployment.
type Config struct {
	ChainID   int64
	Automate  common.Address
	Harvester common.Address
	Keeper    common.Address
	APIURL    string
}

// Registry talks to the automation contract and its indexing API for one chain.
type Registry struct {
	cfg        Config
	client     chain.Client
	transactor Transactor
	signer     MessageSigner
	httpClient *http.Client
	logger     *slog.Logger
}

func NewRegistry(cfg Config, client chain.Client, transactor Transactor, signer MessageSigner, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:        cfg,
		client:     client,
		transactor: transactor,
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "gelato_registry", "chain_id", cfg.ChainID),
	}
}

func (r *Registry) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{From: r.cfg.Keeper, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// TaskIDsByUser lists every task currently registered by the keeper.
func (r *Registry) TaskIDsByUser(ctx context.Context) ([]TaskID, error) {
	values, err := r.call(ctx, automateABI, r.cfg.Automate, "getTaskIdsByUser", r.cfg.Keeper)
	if err != nil {
		return nil, err
	}
	raw, ok := values[0].([][32]byte)
	if !ok {
		return nil, fmt.Errorf("getTaskIdsByUser: unexpected type %T", values[0])
	}
	ids := make([]TaskID, len(raw))
	for i, id := range raw {
		ids[i] = TaskID(id)
	}
	return ids, nil
}

func (r *Registry) checkerData(vault common.Address) ([]byte, error) {
	return harvesterABI.Pack("checker", vault)
}

func harvestSelector() [4]byte {
	var sel [4]byte
	copy(sel[:], harvesterABI.Methods["harvest"].ID)
	return sel
}

// ResolverHash asks the registry to hash the checker call for vault.
func (r *Registry) ResolverHash(ctx context.Context, vault common.Address) ([32]byte, error) {
	data, err := r.checkerData(vault)
	if err != nil {
		return [32]byte{}, fmt.Errorf("pack checker: %w", err)
	}
	values, err := r.call(ctx, automateABI, r.cfg.Automate, "getResolverHash", r.cfg.Harvester, data)
	if err != nil {
		return [32]byte{}, err
	}
	hash, ok := values[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("getResolverHash: unexpected type %T", values[0])
	}
	return hash, nil
}

// ComputeTaskID fetches the id the registry would assign to the vault's task.
func (r *Registry) ComputeTaskID(ctx context.Context, vault common.Address) (TaskID, error) {
	resolverHash, err := r.ResolverHash(ctx, vault)
	if err != nil {
		return TaskID{}, fmt.Errorf("resolver hash for %s: %w", vault.Hex(), err)
	}
	values, err := r.call(ctx, automateABI, r.cfg.Automate, "getTaskId",
		r.cfg.Keeper, r.cfg.Harvester, harvestSelector(), true, FeeTokenTreasury, resolverHash)
	if err != nil {
		return TaskID{}, err
	}
	id, ok := values[0].([32]byte)
	if !ok {
		return TaskID{}, fmt.Errorf("getTaskId: unexpected type %T", values[0])
	}
	return TaskID(id), nil
}

// CreateTask registers a harvest task for vault and returns its id.
func (r *Registry) CreateTask(ctx context.Context, vault common.Address) (TaskID, error) {
	resolverData, err := r.checkerData(vault)
	if err != nil {
		return TaskID{}, fmt.Errorf("pack checker: %w", err)
	}
	data, err := automateABI.Pack("createTask", r.cfg.Harvester, harvestSelector(), r.cfg.Harvester, resolverData)
	if err != nil {
		return TaskID{}, fmt.Errorf("pack createTask: %w", err)
	}
	if err := r.transact(ctx, data); err != nil {
		return TaskID{}, fmt.Errorf("create task for %s: %w", vault.Hex(), err)
	}
	return r.ComputeTaskID(ctx, vault)
}

// CancelTask removes a task from the registry.
func (r *Registry) CancelTask(ctx context.Context, id TaskID) error {
	data, err := automateABI.Pack("cancelTask", [32]byte(id))
	if err != nil {
		return fmt.Errorf("pack cancelTask: %w", err)
	}
	if err := r.transact(ctx, data); err != nil {
		return fmt.Errorf("cancel task %s: %w", id.Hex(), err)
	}
	return nil
}

func (r *Registry) transact(ctx context.Context, data []byte) error {
	receipt, err := r.transactor.Transact(ctx, r.cfg.Automate, data)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrTxReverted, receipt.TxHash.Hex())
	}
	r.logger.Debug("registry transaction mined", "tx_hash", receipt.TxHash.Hex(), "block", receipt.BlockNumber)
	return nil
}

type renameRequest struct {
	Name      string `json:"name"`
	Signer    string `json:"signer"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// RenameMessage is the text the keeper signs to prove task ownership.
func RenameMessage(chainID int64, id TaskID, name string) string {
	return fmt.Sprintf("rename task %s on chain %d to %s", id.Hex(), chainID, name)
}

// RenameTask sets the human readable name of a task in the indexing service.
func (r *Registry) RenameTask(ctx context.Context, id TaskID, name string) error {
	if r.cfg.APIURL == "" {
		return nil
	}
	msg := RenameMessage(r.cfg.ChainID, id, name)
	sig, err := r.signer.SignMessage([]byte(msg))
	if err != nil {
		return fmt.Errorf("sign rename: %w", err)
	}
	body, err := json.Marshal(renameRequest{
		Name:      name,
		Signer:    r.cfg.Keeper.Hex(),
		Message:   msg,
		Signature: hexutil.Encode(sig),
	})
	if err != nil {
		return fmt.Errorf("marshal rename: %w", err)
	}

	url := fmt.Sprintf("%s/tasks/%d/%s/name", strings.TrimRight(r.cfg.APIURL, "/"), r.cfg.ChainID, id.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rename request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rename task %s: %w", id.Hex(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rename task %s: status %d: %s", id.Hex(), resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
