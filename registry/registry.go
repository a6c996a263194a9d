package registry

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"loyaltyhub/ledger"
	"loyaltyhub/storage"
)

var (
	ErrIdentityExists = errors.New("registry: identity already registered")
	ErrNotFound       = errors.New("registry: business not found")
	ErrUnauthorized   = errors.New("registry: invalid credentials")
	ErrAlreadyBound   = errors.New("registry: a different binding already exists")
	ErrInvalidInput   = errors.New("registry: invalid registration input")
)

const businessPrefix = "business/"

// Lifecycle states for a business identity. Provisioning is transient: a
// failed deployment releases the identity, so there is no terminal failed
// record.
const (
	StateProvisioning = "provisioning"
	StateBound        = "bound"
)

// BusinessRecord is the authoritative off-chain record for one business.
type BusinessRecord struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Symbol         string                  `json:"symbol"`
	Decimals       uint8                   `json:"decimals"`
	CredentialHash string                  `json:"credentialHash"`
	Role           string                  `json:"role"`
	State          string                  `json:"state"`
	Binding        *ledger.ContractBinding `json:"binding,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
}

// PublicBusiness is the credential-free view served to unauthenticated callers.
type PublicBusiness struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Contract string `json:"contract,omitempty"`
}

// Provisioner creates the on-chain ledger for a new business. Implemented by
// ledger.FactoryGateway.
type Provisioner interface {
	Provision(ctx context.Context, businessID, name, symbol string, decimals uint8, owner common.Address) (ledger.ContractBinding, error)
}

// Registry is the single authoritative owner of the BusinessRecord lifecycle.
type Registry struct {
	store       storage.Store
	provisioner Provisioner
	nowFn       func() time.Time
}

func New(store storage.Store, provisioner Provisioner) *Registry {
	if store == nil {
		panic("record store required")
	}
	if provisioner == nil {
		panic("provisioner required")
	}
	return &Registry{store: store, provisioner: provisioner, nowFn: time.Now}
}

// Register reserves the identity, provisions the on-chain ledger, and persists
// the bound record. The reservation is a compare-and-swap so concurrent
// registrations of the same identity cannot both win; a provisioning failure
// releases the identity with no orphan record left behind.
func (r *Registry) Register(ctx context.Context, id, name, symbol string, decimals uint8, owner common.Address, credential string) (BusinessRecord, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	symbol = strings.TrimSpace(symbol)
	switch {
	case id == "":
		return BusinessRecord{}, fmt.Errorf("%w: identity required", ErrInvalidInput)
	case name == "":
		return BusinessRecord{}, fmt.Errorf("%w: name required", ErrInvalidInput)
	case symbol == "":
		return BusinessRecord{}, fmt.Errorf("%w: symbol required", ErrInvalidInput)
	case strings.TrimSpace(credential) == "":
		return BusinessRecord{}, fmt.Errorf("%w: credential required", ErrInvalidInput)
	case owner == (common.Address{}):
		return BusinessRecord{}, fmt.Errorf("%w: owner address required", ErrInvalidInput)
	}

	reservation := BusinessRecord{
		ID:             id,
		Name:           name,
		Symbol:         symbol,
		Decimals:       decimals,
		CredentialHash: HashCredential(credential),
		Role:           "business",
		State:          StateProvisioning,
		CreatedAt:      r.nowFn().UTC(),
	}
	reservedBytes, err := json.Marshal(reservation)
	if err != nil {
		return BusinessRecord{}, err
	}
	if err := r.store.CompareAndSwap(businessPrefix+id, nil, reservedBytes); err != nil {
		if errors.Is(err, storage.ErrCASConflict) {
			return BusinessRecord{}, fmt.Errorf("%w: %s", ErrIdentityExists, id)
		}
		return BusinessRecord{}, err
	}

	binding, err := r.provisioner.Provision(ctx, id, name, symbol, decimals, owner)
	if err != nil {
		// Release the identity: no off-chain record without a ledger.
		if delErr := r.store.Delete(businessPrefix + id); delErr != nil {
			return BusinessRecord{}, fmt.Errorf("release %s after failed provisioning (%v): %w", id, err, delErr)
		}
		return BusinessRecord{}, err
	}

	bound := reservation
	bound.State = StateBound
	bound.Binding = &binding
	boundBytes, err := json.Marshal(bound)
	if err != nil {
		return BusinessRecord{}, err
	}
	if err := r.store.CompareAndSwap(businessPrefix+id, reservedBytes, boundBytes); err != nil {
		return BusinessRecord{}, fmt.Errorf("registry: persist binding for %s: %w", id, err)
	}
	return bound, nil
}

// BindContract attaches a binding discovered through the on-chain fallback.
// Compare-and-swap semantics: set when absent, no-op when identical, reject
// when a different binding exists.
func (r *Registry) BindContract(businessID string, binding ledger.ContractBinding) error {
	key := businessPrefix + businessID
	current, ok, err := r.store.Get(key)
	if err != nil {
		return err
	}
	if !ok {
		// Off-chain record lost entirely; rebuild a skeleton around the
		// recovered binding. The business must re-establish credentials
		// through support tooling before it can authenticate again.
		record := BusinessRecord{
			ID:        businessID,
			Name:      binding.Name,
			Symbol:    binding.Symbol,
			Decimals:  binding.Decimals,
			Role:      "business",
			State:     StateBound,
			Binding:   &binding,
			CreatedAt: r.nowFn().UTC(),
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := r.store.CompareAndSwap(key, nil, payload); err != nil {
			if errors.Is(err, storage.ErrCASConflict) {
				// Lost the race to a concurrent bind; re-evaluate.
				return r.BindContract(businessID, binding)
			}
			return err
		}
		return nil
	}

	var record BusinessRecord
	if err := json.Unmarshal(current, &record); err != nil {
		return fmt.Errorf("registry: decode %s: %w", businessID, err)
	}
	if record.Binding != nil {
		if record.Binding.Equal(binding) {
			return nil
		}
		return fmt.Errorf("%w: %s is bound to %s", ErrAlreadyBound, businessID, record.Binding.Contract.Hex())
	}
	record.Binding = &binding
	record.State = StateBound
	updated, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := r.store.CompareAndSwap(key, current, updated); err != nil {
		if errors.Is(err, storage.ErrCASConflict) {
			return r.BindContract(businessID, binding)
		}
		return err
	}
	return nil
}

// Get loads the business record, including its binding.
func (r *Registry) Get(businessID string) (BusinessRecord, error) {
	payload, ok, err := r.store.Get(businessPrefix + businessID)
	if err != nil {
		return BusinessRecord{}, err
	}
	if !ok {
		return BusinessRecord{}, fmt.Errorf("%w: %s", ErrNotFound, businessID)
	}
	var record BusinessRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return BusinessRecord{}, fmt.Errorf("registry: decode %s: %w", businessID, err)
	}
	return record, nil
}

// Authenticate verifies the business credential.
func (r *Registry) Authenticate(businessID, credential string) (BusinessRecord, error) {
	record, err := r.Get(businessID)
	if err != nil {
		return BusinessRecord{}, err
	}
	if record.CredentialHash == "" ||
		subtle.ConstantTimeCompare([]byte(record.CredentialHash), []byte(HashCredential(credential))) != 1 {
		return BusinessRecord{}, fmt.Errorf("%w: %s", ErrUnauthorized, businessID)
	}
	return record, nil
}

// List returns the public view of every registered business.
func (r *Registry) List() ([]PublicBusiness, error) {
	entries, err := r.store.Scan(businessPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]PublicBusiness, 0, len(entries))
	for _, entry := range entries {
		var record BusinessRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return nil, fmt.Errorf("registry: decode %s: %w", entry.Key, err)
		}
		pub := PublicBusiness{
			ID:       record.ID,
			Name:     record.Name,
			Symbol:   record.Symbol,
			Decimals: record.Decimals,
		}
		if record.Binding != nil {
			pub.Contract = record.Binding.Contract.Hex()
		}
		out = append(out, pub)
	}
	return out, nil
}

// HashCredential digests a credential for storage. The digest scheme is
// deliberately isolated here so a KDF can replace it without touching callers.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
