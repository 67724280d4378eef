package create

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/kasdapp/kdapp-go/cmd/kdapp/pkg/useraccount"
	"github.com/kasdapp/kdapp-go/kdapp/config"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/urfave/cli/v2"
)

func Create() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a new account",
		Action: func(c *cli.Context) error {
			// Creates the directories if they don't already exist.
			walletPath, err := xdg.ConfigFile(config.WalletPath)
			if err != nil {
				return fmt.Errorf("failed to create config file path: %w", err)
			}

			info, err := os.Stat(walletPath)
			if err == nil {
				if info.Size() != 0 {
					return fmt.Errorf("a wallet already exists at %s", walletPath)
				}
			} else if os.IsPermission(err) {
				return fmt.Errorf("failed to stat walletPath %s: %w", walletPath, err)
			}

			password, err := useraccount.PasswordFromEnvStdinOrPrompt()
			if err != nil {
				return fmt.Errorf("failed to create password: %w", err)
			}

			ks := keystore.NewKeyStore(filepath.Dir(walletPath), keystore.StandardScryptN, keystore.StandardScryptP)
			account, err := ks.NewAccount(password)
			if err != nil {
				return fmt.Errorf("failed to create new account: %w", err)
			}

			created := account.URL.Path
			if created != walletPath {
				if err := os.Rename(created, walletPath); err != nil {
					return fmt.Errorf("failed to rename wallet file: %w", err)
				}
			}

			pub, err := decrypt(walletPath, password)
			if err != nil {
				return err
			}
			fmt.Println("New wallet created", walletPath)
			fmt.Println("Public key:", pub.String())
			return nil
		},
	}
}

func decrypt(walletPath, password string) (pki.PubKey, error) {
	b, err := os.ReadFile(walletPath)
	if err != nil {
		return pki.PubKey{}, fmt.Errorf("failed to read wallet file: %w", err)
	}
	key, err := keystore.DecryptKey(b, password)
	if err != nil {
		return pki.PubKey{}, fmt.Errorf("failed to decrypt private key: %w", err)
	}
	return pki.PubKeyFromECDSA(&key.PrivateKey.PublicKey), nil
}
