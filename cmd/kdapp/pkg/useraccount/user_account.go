package useraccount

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/kasdapp/kdapp-go/kdapp/config"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/kasdapp/kdapp-go/kdapp/txn"
	"golang.org/x/term"
)

type UserAccount struct {
	PubKey     pki.PubKey
	PrivateKey *ecdsa.PrivateKey
}

// Address is the account's pay-to-pubkey address on network.
func (u *UserAccount) Address(network string) txn.Address {
	return txn.NewAddress(network, u.PubKey)
}

func Load() (*UserAccount, error) {
	walletPath, err := xdg.ConfigFile(config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get config file path: %w", err)
	}

	walletBytes, err := os.ReadFile(walletPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet file: %w", err)
	}

	password, err := readPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}

	key, err := keystore.DecryptKey(walletBytes, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt private key: %w", err)
	}

	return &UserAccount{
		PubKey:     pki.PubKeyFromECDSA(&key.PrivateKey.PublicKey),
		PrivateKey: key.PrivateKey,
	}, nil
}

// readPassword reads a password from WALLET_PASSWORD, from stdin if piped, or
// interactively if in a terminal.
func readPassword() (string, error) {
	password, ok := os.LookupEnv("WALLET_PASSWORD")
	if ok {
		return password, nil
	}

	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("Enter wallet password: ")
		bytePassword, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytePassword)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(password), nil
}

// PasswordFromEnvStdinOrPrompt is readPassword with a confirmation prompt
// in the interactive case.
func PasswordFromEnvStdinOrPrompt() (string, error) {
	if _, ok := os.LookupEnv("WALLET_PASSWORD"); ok || !term.IsTerminal(int(syscall.Stdin)) {
		return readPassword()
	}

	password, err := readPassword()
	if err != nil {
		return "", err
	}
	fmt.Print("Confirm password: ")
	byteConfirm, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if password != strings.TrimSpace(string(byteConfirm)) {
		return "", fmt.Errorf("passwords did not match")
	}
	return password, nil
}
