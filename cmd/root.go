// Package cmd holds the cobra subcommands of mail-archive.
package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-archive/config"
	"github.com/dhcgn/mail-archive/credential"
)

// NewRootCommand returns the mail-archive command tree.
func NewRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "mail-archive",
		Short:         "Archive IMAP mailboxes into a browsable local directory tree",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if err := config.RegisterFlags(root); err != nil {
		return nil, err
	}

	for _, build := range []func() (*cobra.Command, error){
		newSyncCmd,
		newCleanupCmd,
		newBrowseCmd,
		newStatsCmd,
		newCredentialCmd,
	} {
		c, err := build()
		if err != nil {
			return nil, err
		}
		root.AddCommand(c)
	}
	return root, nil
}

// openCredentials is replaced in tests.
var openCredentials = func() (*credential.Store, error) {
	home, err := config.HomeDir()
	if err != nil {
		return nil, err
	}
	return credential.Open(filepath.Join(home, "credentials"))
}

func keyringPassword(user, host string) (string, error) {
	store, err := openCredentials()
	if err != nil {
		return "", err
	}
	return store.Get(credential.Account(user, host))
}
