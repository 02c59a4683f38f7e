package ethereum

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParsePrivateKey accepts a hex encoded secp256k1 key with or without 0x.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("私钥为空")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return key, nil
}

// GenerateSessionKey creates an ephemeral secp256k1 key and returns it hex
// encoded.
func GenerateSessionKey() (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("生成会话密钥失败: %w", err)
	}
	return hexutil.Encode(crypto.FromECDSA(key)), nil
}
