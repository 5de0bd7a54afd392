package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// eventFactoryABI covers the factory surface the engine calls: event contract
// deployment and manager registration on the deployed contract.
const eventFactoryABI = `[
	{"type":"function","name":"createEvent","stateMutability":"nonpayable","inputs":[{"name":"title","type":"string"},{"name":"capacity","type":"uint256"},{"name":"creator","type":"address"}],"outputs":[{"name":"eventContract","type":"address"}]},
	{"type":"function","name":"registerManager","stateMutability":"nonpayable","inputs":[{"name":"manager","type":"address"}],"outputs":[]},
	{"type":"event","name":"EventCreated","inputs":[{"name":"eventContract","type":"address","indexed":true},{"name":"creator","type":"address","indexed":true}],"anonymous":false}
]`

// attestationRegistryABI covers single and delegated batched attestation plus
// the Attested log the engine parses UIDs from.
const attestationRegistryABI = `[
	{"type":"function","name":"attest","stateMutability":"nonpayable","inputs":[{"name":"schema","type":"bytes32"},{"name":"recipient","type":"address"},{"name":"data","type":"bytes"}],"outputs":[{"name":"uid","type":"bytes32"}]},
	{"type":"function","name":"multiAttestByDelegation","stateMutability":"nonpayable","inputs":[{"name":"schemas","type":"bytes32[]"},{"name":"recipients","type":"address[]"},{"name":"data","type":"bytes[]"},{"name":"deadlines","type":"uint256[]"},{"name":"signatures","type":"bytes[]"}],"outputs":[{"name":"uids","type":"bytes32[]"}]},
	{"type":"event","name":"Attested","inputs":[{"name":"recipient","type":"address","indexed":true},{"name":"attester","type":"address","indexed":true},{"name":"uid","type":"bytes32","indexed":false},{"name":"schema","type":"bytes32","indexed":true}],"anonymous":false}
]`

// ticketLedgerABI covers ticket minting and the TicketIssued log
const ticketLedgerABI = `[
	{"type":"function","name":"mintFor","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"reference","type":"bytes32"}],"outputs":[{"name":"tokenId","type":"uint256"}]},
	{"type":"event","name":"TicketIssued","inputs":[{"name":"recipient","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":false},{"name":"reference","type":"bytes32","indexed":false}],"anonymous":false}
]`

// ExtractIssuedUIDs pulls the attestation UIDs out of Attested logs, in
// receipt log order. Logs from other contracts or events are skipped.
func ExtractIssuedUIDs(registryABI abi.ABI, logs []*types.Log) ([]string, error) {
	attested, ok := registryABI.Events["Attested"]
	if !ok {
		return nil, errors.New("registry ABI has no Attested event")
	}

	var uids []string
	for _, lg := range logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != attested.ID {
			continue
		}
		values, err := attested.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to unpack Attested log")
		}
		uid, ok := values[0].([32]byte)
		if !ok {
			return nil, errors.New("Attested log uid has unexpected type")
		}
		uids = append(uids, common.Hash(uid).Hex())
	}
	return uids, nil
}

// ExtractTokenIDs pulls minted token ids out of TicketIssued logs, in
// receipt log order.
func ExtractTokenIDs(ticketABI abi.ABI, logs []*types.Log) ([]string, error) {
	issued, ok := ticketABI.Events["TicketIssued"]
	if !ok {
		return nil, errors.New("ticket ABI has no TicketIssued event")
	}

	var tokenIDs []string
	for _, lg := range logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != issued.ID {
			continue
		}
		values, err := issued.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to unpack TicketIssued log")
		}
		tokenID, ok := values[0].(*big.Int)
		if !ok {
			return nil, errors.New("TicketIssued log tokenId has unexpected type")
		}
		tokenIDs = append(tokenIDs, tokenID.String())
	}
	return tokenIDs, nil
}

// DelegationMessageHash computes the digest a delegator signs over one
// delegated attestation request. It is used to verify collected signatures
// before a row enters the batch queue, never as a substitute for an on-chain
// issued identifier.
func DelegationMessageHash(schemaUID, recipient string, payload []byte, deadline int64) common.Hash {
	return crypto.Keccak256Hash(
		common.HexToHash(schemaUID).Bytes(),
		common.HexToAddress(recipient).Bytes(),
		crypto.Keccak256(payload),
		common.BigToHash(big.NewInt(deadline)).Bytes(),
	)
}

// VerifyDelegationSignature checks a 65-byte delegation signature against the
// expected delegator address
func VerifyDelegationSignature(schemaUID, recipient string, payload []byte, deadline int64, signature []byte, delegator string) error {
	if len(signature) != crypto.SignatureLength {
		return errors.Errorf("invalid parameter: signature must be %d bytes", crypto.SignatureLength)
	}

	// Normalize the recovery id; wallets emit 27/28
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := DelegationMessageHash(schemaUID, recipient, payload, deadline)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return errors.Wrap(err, "failed to recover delegation signer")
	}

	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(delegator) {
		return errors.New("invalid parameter: delegation signature does not match delegator")
	}
	return nil
}
