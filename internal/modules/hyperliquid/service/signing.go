package service

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	agentChainID = 1337
	zeroAddress  = "0x0000000000000000000000000000000000000000"
)

// actionHash is keccak256(msgpack(action) || nonce || vault flag [|| vault]).
func actionHash(action any, vault string, nonce int64) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, errors.Wrap(err, "msgpack action")
	}

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(nonce))
	buf.Write(n[:])

	if vault == "" {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		buf.Write(common.HexToAddress(vault).Bytes())
	}
	return crypto.Keccak256(buf.Bytes()), nil
}

// agentTypedData wraps the action hash into the phantom agent message.
func agentTypedData(connectionID []byte, mainnet bool) apitypes.TypedData {
	source := "b"
	if mainnet {
		source = "a"
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": []apitypes.Type{
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(agentChainID),
			VerifyingContract: zeroAddress,
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID,
		},
	}
}

// signL1Action signs an exchange action the way the /exchange endpoint expects.
func signL1Action(key *ecdsa.PrivateKey, action any, vault string, nonce int64, mainnet bool) (signature, error) {
	if key == nil {
		return signature{}, errors.New("client has no signing key")
	}
	h, err := actionHash(action, vault, nonce)
	if err != nil {
		return signature{}, err
	}

	digest, _, err := apitypes.TypedDataAndHash(agentTypedData(h, mainnet))
	if err != nil {
		return signature{}, errors.Wrap(err, "hash typed data")
	}

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return signature{}, errors.Wrap(err, "sign")
	}

	return signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}
