package blockchain

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 交易签名者
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// LocalSigner 本地私钥签名
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewLocalSigner 从十六进制私钥创建, 可带 0x 前缀
func NewLocalSigner(hexKey string, chainID int64) (*LocalSigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("private key not configured")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return NewLocalSignerFromKey(key, chainID), nil
}

// NewLocalSignerFromKey 从私钥创建
func NewLocalSignerFromKey(key *ecdsa.PrivateKey, chainID int64) *LocalSigner {
	return &LocalSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(big.NewInt(chainID)),
	}
}

// Address 签名地址
func (s *LocalSigner) Address() common.Address {
	return s.address
}

// SignTx 签名交易
func (s *LocalSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, s.signer, s.key)
}
