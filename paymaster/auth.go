package paymaster

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gaslessbase/gasless-relay/core/chainio/signer"
)

var (
	ErrorInvalidToken        = fmt.Errorf("invalid bearer token")
	ErrorMalformedAuthHeader = fmt.Errorf("malformed auth header")
	ErrorExpiredSignature    = fmt.Errorf("signature is expired")
)

// adminAuthMaxAge bounds replay of a captured header.
const adminAuthMaxAge = 10 * time.Second

func GetAdminSigninMessage(adminAddr string, epoch int64) string {
	return fmt.Sprintf("GaslessAdmin:%sEpoch:%d", adminAddr, epoch)
}

// VerifyAdmin checks that authHeader is a fresh `Bearer epoch.signature`
// token whose signature recovers to adminAddr.
func VerifyAdmin(authHeader string, adminAddr common.Address) (bool, error) {
	bearerToken := strings.SplitN(authHeader, " ", 2)
	if len(bearerToken) < 2 || bearerToken[0] != "Bearer" {
		return false, ErrorInvalidToken
	}

	tokens := strings.SplitN(bearerToken[1], ".", 2)
	if len(tokens) < 2 {
		return false, ErrorMalformedAuthHeader
	}

	epoch, err := strconv.ParseInt(tokens[0], 10, 64)
	if err != nil {
		return false, ErrorMalformedAuthHeader
	}
	if time.Now().Add(-adminAuthMaxAge).Unix() > epoch {
		return false, ErrorExpiredSignature
	}

	result, err := signer.Verify(GetAdminSigninMessage(adminAddr.Hex(), epoch), tokens[1], adminAddr.Hex())
	if err != nil {
		return result, fmt.Errorf("unauthorized error: %w", err)
	}
	return result, nil
}

// AdminAuthHeader produces a header VerifyAdmin accepts. Used by admin
// tooling and tests.
func AdminAuthHeader(key *ecdsa.PrivateKey, adminAddr common.Address, at time.Time) (string, error) {
	epoch := at.Unix()
	token, err := signer.SignMessageAsHex(key, []byte(GetAdminSigninMessage(adminAddr.Hex(), epoch)))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Bearer %d.%s", epoch, token), nil
}
