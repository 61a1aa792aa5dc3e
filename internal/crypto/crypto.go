// Package crypto 提供消息的混合加密：每条消息一把随机对称密钥，
// 对称密钥再用接收方的 NaCl 公钥封装，库里只落加密产物。
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// GenerateKeyPair 生成一对 NaCl box 密钥。
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub[:], priv[:], nil
}

// EncryptHybrid 用随机对称密钥加密内容，再用接收方公钥封装该密钥。
// 返回的两个产物均为 base64：密文为 nonce||sealed，
// 密钥封装为 ephemeralPub||nonce||sealed。
func EncryptHybrid(content string, recipientPublic []byte) (encContent, encKey string, err error) {
	if len(recipientPublic) != keySize {
		return "", "", errors.New("invalid recipient public key")
	}

	var symKey [keySize]byte
	if _, err := rand.Read(symKey[:]); err != nil {
		return "", "", err
	}
	var contentNonce [nonceSize]byte
	if _, err := rand.Read(contentNonce[:]); err != nil {
		return "", "", err
	}
	sealed := secretbox.Seal(contentNonce[:], []byte(content), &contentNonce, &symKey)

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	var keyNonce [nonceSize]byte
	if _, err := rand.Read(keyNonce[:]); err != nil {
		return "", "", err
	}
	var pub [keySize]byte
	copy(pub[:], recipientPublic)
	sealedKey := box.Seal(append(ephPub[:], keyNonce[:]...), symKey[:], &keyNonce, &pub, ephPriv)

	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(sealedKey), nil
}

// DecryptHybrid 用接收方私钥解封对称密钥并还原内容。
func DecryptHybrid(encContent, encKey string, recipientPrivate []byte) (string, error) {
	if len(recipientPrivate) != keySize {
		return "", errors.New("invalid recipient private key")
	}
	sealed, err := base64.StdEncoding.DecodeString(encContent)
	if err != nil {
		return "", err
	}
	sealedKey, err := base64.StdEncoding.DecodeString(encKey)
	if err != nil {
		return "", err
	}
	if len(sealed) < nonceSize || len(sealedKey) < keySize+nonceSize {
		return "", ErrMalformedCiphertext
	}

	var ephPub [keySize]byte
	copy(ephPub[:], sealedKey[:keySize])
	var keyNonce [nonceSize]byte
	copy(keyNonce[:], sealedKey[keySize:keySize+nonceSize])
	var priv [keySize]byte
	copy(priv[:], recipientPrivate)

	symKeyBytes, ok := box.Open(nil, sealedKey[keySize+nonceSize:], &keyNonce, &ephPub, &priv)
	if !ok || len(symKeyBytes) != keySize {
		return "", ErrMalformedCiphertext
	}
	var symKey [keySize]byte
	copy(symKey[:], symKeyBytes)

	var contentNonce [nonceSize]byte
	copy(contentNonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &contentNonce, &symKey)
	if !ok {
		return "", ErrMalformedCiphertext
	}
	return string(plain), nil
}
