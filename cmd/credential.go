package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-archive/config"
	"github.com/dhcgn/mail-archive/credential"
)

func newCredentialCmd() (*cobra.Command, error) {
	c := &cobra.Command{
		Use:   "credential",
		Short: "Manage the IMAP password stored in the system keyring",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Store the IMAP password of an account",
		Args:  cobra.NoArgs,
		RunE:  runCredentialSet,
	}
	if err := config.RegisterIMAPFlags(set); err != nil {
		return nil, err
	}
	set.Flags().Bool("password-stdin", false, "Read the password from stdin instead of prompting")

	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored IMAP password of an account",
		Args:  cobra.NoArgs,
		RunE:  runCredentialDelete,
	}
	if err := config.RegisterIMAPFlags(del); err != nil {
		return nil, err
	}

	c.AddCommand(set, del)
	return c, nil
}

func loadAccount(cmd *cobra.Command) (string, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.IMAPHost == "" || cfg.IMAPUser == "" {
		return "", fmt.Errorf("--imap-host and --imap-user are required")
	}
	return credential.Account(cfg.IMAPUser, cfg.IMAPHost), nil
}

func runCredentialSet(cmd *cobra.Command, _ []string) error {
	account, err := loadAccount(cmd)
	if err != nil {
		return err
	}
	fromStdin, err := cmd.Flags().GetBool("password-stdin")
	if err != nil {
		return err
	}

	var password string
	if fromStdin {
		password, err = readPassword(cmd.InOrStdin())
	} else {
		password, err = pterm.DefaultInteractiveTextInput.WithMask("*").Show("IMAP password for " + account)
	}
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password is empty")
	}

	store, err := openCredentials()
	if err != nil {
		return err
	}
	if err := store.Set(account, password); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "password stored for %s\n", account)
	return nil
}

func runCredentialDelete(cmd *cobra.Command, _ []string) error {
	account, err := loadAccount(cmd)
	if err != nil {
		return err
	}
	store, err := openCredentials()
	if err != nil {
		return err
	}
	if err := store.Delete(account); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "password removed for %s\n", account)
	return nil
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
