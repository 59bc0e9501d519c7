package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	passwordSet = lowerChars + upperChars + digitChars

	// MinGeneratedLength guarantees room for one character of each class.
	MinGeneratedLength = 12
)

// GeneratePassword returns a random password of the given length holding at
// least one upper case letter, one lower case letter and one digit. The
// remaining characters are drawn uniformly from the full alphabet and the
// result is permuted with a Fisher-Yates shuffle driven by crypto/rand.
func GeneratePassword(length int) (string, error) {
	if length < MinGeneratedLength {
		return "", fmt.Errorf("password length must be at least %d", MinGeneratedLength)
	}

	buf := make([]byte, 0, length)
	for _, set := range []string{upperChars, lowerChars, digitChars} {
		c, err := pick(set)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}
	for len(buf) < length {
		c, err := pick(passwordSet)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}

	for i := len(buf) - 1; i > 0; i-- {
		j, err := randIntn(i + 1)
		if err != nil {
			return "", err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}

	return string(buf), nil
}

// NewToken returns nbytes of randomness encoded as unpadded base64url.
func NewToken(nbytes int) (string, error) {
	if nbytes < 16 {
		return "", errors.New("token size too small")
	}
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func pick(set string) (byte, error) {
	i, err := randIntn(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func randIntn(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("random: %w", err)
	}
	return int(v.Int64()), nil
}
