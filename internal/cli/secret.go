package cli

import (
	"errors"
	"fmt"

	"github.com/cosmos/go-bip39"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"forgecache.dev/go/forgecache/internal/keychain"
	"forgecache.dev/go/forgecache/internal/tui"
)

var secretShowQR bool

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretNewCmd)
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretShowCmd)
	secretCmd.AddCommand(secretClearCmd)

	secretShowCmd.Flags().BoolVar(&secretShowQR, "qr", false, "render the secret as a QR code")
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the shared cluster secret",
	Long: `Manage the secret that authenticates machines to each other.

Every machine in a cache cluster must hold the same secret. It is
stored in the system keyring, never in the config file, unless you
put it there yourself.`,
}

var secretNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a new shared secret",
	Long: `Generate a new shared secret and store it in the system keyring.

The secret is printed as a word mnemonic so it can be typed on the
other machines with 'forgecache secret set'.`,
	RunE: runSecretNew,
}

func runSecretNew(cmd *cobra.Command, args []string) error {
	if existing, err := keychain.Get(); err == nil && existing != "" {
		ok, err := tui.Confirm("A shared secret already exists. Replace it?", false)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return fmt.Errorf("generate mnemonic: %w", err)
	}

	if err := keychain.Store(mnemonic); err != nil {
		return fmt.Errorf("store secret in keyring: %w", err)
	}

	fmt.Println("New shared secret stored in the system keyring:")
	fmt.Println()
	fmt.Printf("  %s\n", mnemonic)
	fmt.Println()
	fmt.Println("Run 'forgecache secret set' on the other machines and enter the")
	fmt.Println("same words. Restart the daemon to start sharing.")
	return nil
}

var secretSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Enter the shared secret for this machine",
	RunE:  runSecretSet,
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	secret, err := tui.ReadSecret("Shared secret: ")
	if err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("secret must not be empty")
	}

	if err := keychain.Store(secret); err != nil {
		return fmt.Errorf("store secret in keyring: %w", err)
	}

	fmt.Println("Shared secret stored. Restart the daemon to start sharing.")
	return nil
}

var secretShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the shared secret",
	Long: `Show the shared secret from the system keyring.

With --qr the secret is rendered as a QR code in the terminal, which
is handy for enrolling a laptop sitting next to you.`,
	RunE: runSecretShow,
}

func runSecretShow(cmd *cobra.Command, args []string) error {
	secret, err := keychain.Get()
	if err != nil {
		if errors.Is(err, keychain.ErrNotFound) {
			return fmt.Errorf("no shared secret configured; run 'forgecache secret new'")
		}
		return fmt.Errorf("read secret from keyring: %w", err)
	}

	if secretShowQR {
		qr, err := qrcode.New(secret, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("render qr code: %w", err)
		}
		fmt.Print(qr.ToSmallString(false))
		return nil
	}

	fmt.Println(secret)
	return nil
}

var secretClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the shared secret from this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := keychain.Delete(); err != nil {
			return fmt.Errorf("remove secret from keyring: %w", err)
		}
		fmt.Println("Shared secret removed. This machine will no longer share artifacts.")
		return nil
	},
}
