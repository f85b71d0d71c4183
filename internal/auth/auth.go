// Package auth sources, validates, and activates Gemini API keys.
//
// A key comes from the GEMINI_API_KEY environment variable, from a
// GPG-encrypted credentials file, or (on Lambda) from SSM via lambdaboot.
// When a session runs out of quota the user can supply a different key at
// runtime; ActivateKey validates it and swaps it into the content client.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	credentialDir  = ".socratic-discovery"
	credentialFile = "credentials.gpg"
)

// ErrNoAPIKey is returned when no key source yields a key.
var ErrNoAPIKey = errors.New("API key not found. Set GEMINI_API_KEY or create ~/" + credentialDir + "/" + credentialFile)

// GetAPIKey retrieves the Gemini API key. Priority order:
//  1. GEMINI_API_KEY environment variable
//  2. GPG-encrypted file at ~/.socratic-discovery/credentials.gpg
func GetAPIKey(ctx context.Context) (string, error) {
	if key := NormalizeKey(os.Getenv("GEMINI_API_KEY")); key != "" {
		log.Debug().Msg("Using API key from environment variable")
		return key, nil
	}

	key, err := getFromGPG(ctx)
	if err == nil && key != "" {
		log.Debug().Msg("Using API key from GPG encrypted file")
		return key, nil
	}

	log.Debug().Err(err).Msg("No API key from GPG credentials")
	return "", ErrNoAPIKey
}

// NormalizeKey trims whitespace and surrounding quotes from a pasted key.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.Trim(key, `"'`)
	return strings.TrimSpace(key)
}

// getFromGPG decrypts the API key from the credentials file.
func getFromGPG(ctx context.Context) (string, error) {
	credPath, err := getCredentialPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(credPath); err != nil {
		return "", fmt.Errorf("GPG credentials file not found at %s", credPath)
	}

	log.Debug().Str("file", credPath).Msg("Decrypting GPG credentials")

	args := []string{"--decrypt", "--quiet", "--batch"}
	if passphrasePath, ok := passphraseFile(); ok {
		args = append(args, "--pinentry-mode", "loopback", "--passphrase-file", passphrasePath)
	}
	args = append(args, credPath)

	output, err := exec.CommandContext(ctx, "gpg", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("GPG decryption failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("GPG decryption failed: %w", err)
	}
	return NormalizeKey(string(output)), nil
}

func getCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, credentialDir, credentialFile), nil
}

// passphraseFile locates an owner-only passphrase file for non-interactive
// decryption: DISCOVERY_GPG_PASSPHRASE_FILE, else .gpg-passphrase next to the
// credentials file. Files readable by group or others are ignored.
func passphraseFile() (string, bool) {
	path := os.Getenv("DISCOVERY_GPG_PASSPHRASE_FILE")
	if path == "" {
		credPath, err := getCredentialPath()
		if err != nil {
			return "", false
		}
		path = filepath.Join(filepath.Dir(credPath), ".gpg-passphrase")
	}

	fi, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if mode := fi.Mode().Perm(); mode&0o077 != 0 {
		log.Warn().
			Str("passphrase_file", path).
			Str("permissions", fmt.Sprintf("%04o", mode)).
			Msg("Passphrase file has insecure permissions (should be 0600); skipping")
		return "", false
	}
	return path, true
}
