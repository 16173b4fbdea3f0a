package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"secureusb/internal/credstore"
	"secureusb/internal/totp"
)

var setupForce bool

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate the TOTP secret and recovery codes",
	Long: `Generates a new TOTP secret and ten one-time recovery codes, then
verifies your authenticator app is enrolled before saving anything.
Run this once before enabling protection.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVar(&setupForce, "force", false, "replace existing credentials")
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	store, err := credstore.Open(stateDir())
	if err != nil {
		return err
	}
	if store.IsConfigured() && !setupForce {
		return fmt.Errorf("authentication is already configured; use --force to replace it (this invalidates the old secret and recovery codes)")
	}

	secret, err := totp.NewSecret()
	if err != nil {
		return err
	}
	codes, err := totp.GenerateRecoveryCodes(totp.RecoveryCodeCount)
	if err != nil {
		return err
	}

	fmt.Println("Add this secret to your authenticator app:")
	fmt.Println()
	fmt.Printf("  Secret:  %s\n", totp.SecretString(secret))
	fmt.Printf("  URI:     %s\n", totp.ProvisioningURI(secret, hostnameAccount(), "SecureUSB"))
	fmt.Println()

	if err := verifyEnrollment(secret); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Recovery codes (each works once; store them somewhere safe):")
	fmt.Println()
	for _, c := range codes {
		fmt.Printf("  %s\n", c)
	}
	fmt.Println()

	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = totp.HashRecoveryCode(c)
	}
	err = store.Save(&credstore.Credential{
		TOTPSecret:         secret,
		RecoveryCodeHashes: hashes,
		CreatedAt:          time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	fmt.Println("Setup complete. Restart secureusbd if it is already running.")
	return nil
}

// verifyEnrollment makes the user prove the authenticator produces the
// right codes before anything is persisted.
func verifyEnrollment(secret []byte) error {
	for attempt := 0; attempt < 3; attempt++ {
		code, err := promptCode("Enter the 6-digit code from your app: ")
		if err != nil {
			return err
		}
		if totp.Verify(secret, code, time.Now(), 1) {
			fmt.Println("Code verified.")
			return nil
		}
		fmt.Println("That code did not match. Try again with the next code.")
	}
	return fmt.Errorf("verification failed; nothing was saved")
}

// promptCode reads a code without echoing when stdin is a terminal.
func promptCode(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		data, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func hostnameAccount() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "root"
	}
	return "root@" + host
}
