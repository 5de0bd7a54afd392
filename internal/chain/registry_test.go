package chain

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func mustABI(t *testing.T, raw string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(raw))
	require.NoError(t, err)
	return parsed
}

func attestedLog(t *testing.T, registryABI abi.ABI, uid common.Hash) *types.Log {
	t.Helper()
	attested := registryABI.Events["Attested"]
	data, err := attested.Inputs.NonIndexed().Pack([32]byte(uid))
	require.NoError(t, err)
	return &types.Log{
		Topics: []common.Hash{
			attested.ID,
			common.HexToHash("0x01"), // recipient
			common.HexToHash("0x02"), // attester
			common.HexToHash("0x03"), // schema
		},
		Data: data,
	}
}

func TestExtractIssuedUIDsInLogOrder(t *testing.T) {
	registryABI := mustABI(t, attestationRegistryABI)

	uidA := common.HexToHash("0xaa")
	uidB := common.HexToHash("0xbb")
	unrelated := &types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}

	uids, err := ExtractIssuedUIDs(registryABI, []*types.Log{
		attestedLog(t, registryABI, uidA),
		unrelated,
		attestedLog(t, registryABI, uidB),
	})
	require.NoError(t, err)
	require.Equal(t, []string{uidA.Hex(), uidB.Hex()}, uids)
}

func TestExtractIssuedUIDsEmptyLogs(t *testing.T) {
	registryABI := mustABI(t, attestationRegistryABI)

	uids, err := ExtractIssuedUIDs(registryABI, nil)
	require.NoError(t, err)
	require.Empty(t, uids)
}

func TestExtractTokenIDs(t *testing.T) {
	ticketABI := mustABI(t, ticketLedgerABI)
	issued := ticketABI.Events["TicketIssued"]

	reference := common.HexToHash("0xref")
	data, err := issued.Inputs.NonIndexed().Pack(big.NewInt(42), [32]byte(reference))
	require.NoError(t, err)

	tokenIDs, err := ExtractTokenIDs(ticketABI, []*types.Log{{
		Topics: []common.Hash{issued.ID, common.HexToHash("0x01")},
		Data:   data,
	}})
	require.NoError(t, err)
	require.Equal(t, []string{"42"}, tokenIDs)
}

func TestVerifyDelegationSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	delegator := crypto.PubkeyToAddress(key.PublicKey).Hex()

	schemaUID := common.HexToHash("0x11").Hex()
	recipient := "0x0000000000000000000000000000000000000042"
	payload := []byte(`{"seat":"A1"}`)
	deadline := int64(1790000000)

	digest := DelegationMessageHash(schemaUID, recipient, payload, deadline)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	require.NoError(t, VerifyDelegationSignature(schemaUID, recipient, payload, deadline, sig, delegator))

	// Wrong delegator fails
	require.Error(t, VerifyDelegationSignature(schemaUID, recipient, payload, deadline, sig, "0x0000000000000000000000000000000000000001"))

	// A changed field changes the digest and fails recovery against the delegator
	require.Error(t, VerifyDelegationSignature(schemaUID, recipient, payload, deadline+1, sig, delegator))

	// Truncated signature is an invalid parameter
	err = VerifyDelegationSignature(schemaUID, recipient, payload, deadline, sig[:64], delegator)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid parameter")
}
