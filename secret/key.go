package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LoadKey returns the key material for the process codec.
//
// A configured value always wins. Otherwise the key file is read, and when it
// does not exist a fresh random key is generated and written with 0600
// permissions. The key file is expected to live outside the database so a
// leaked database alone does not reveal stored credentials.
func LoadKey(configured, keyFile string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	if keyFile == "" {
		return nil, ErrEmptyKey
	}

	data, err := os.ReadFile(keyFile)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) == 0 {
			return nil, fmt.Errorf("invalid key file %s", keyFile)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	// O_EXCL so two processes racing on first start cannot both write.
	f, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(key) + "\n"); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	return key, nil
}
