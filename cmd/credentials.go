package cmd

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"monthlyload/internal/credentials"
	"monthlyload/internal/ui"
	"monthlyload/pkg/errors"
)

var credentialsPasswordStdin bool

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the stored warehouse password",
	Long: `Store the Snowflake password in the OS keyring, or in an encrypted file
under the state directory when no keyring is available. The entry name
defaults to snowflake.credential.`,
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Store a password",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCredentialsSet,
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a stored password",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCredentialsDelete,
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsCmd.AddCommand(credentialsDeleteCmd)

	credentialsSetCmd.Flags().BoolVar(&credentialsPasswordStdin, "password-stdin", false, "read the password from standard input")
}

func credentialManager(stateDir string) *credentials.Manager {
	return credentials.NewManager(filepath.Join(stateDir, "credentials"))
}

func credentialName(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if appConfig != nil && appConfig.Snowflake.Credential != "" {
		return appConfig.Snowflake.Credential, nil
	}
	return "", errors.New(errors.ErrCodeInvalidInput, "no credential name given and snowflake.credential is empty")
}

func runCredentialsSet(cmd *cobra.Command, args []string) error {
	name, err := credentialName(args)
	if err != nil {
		return err
	}

	var password string
	if credentialsPasswordStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, "Failed to read password from stdin")
		}
		password = strings.TrimRight(line, "\r\n")
	} else {
		password, err = ui.Password(fmt.Sprintf("Password for %s:", name), "Stored under the credential name "+name)
		if err != nil {
			return err
		}
	}
	if password == "" {
		return errors.New(errors.ErrCodeInvalidInput, "password must not be empty")
	}

	m := credentialManager(appConfig.StateDir)
	if err := m.Set(name, password); err != nil {
		return err
	}
	ui.ShowSuccess(fmt.Sprintf("Stored %s in the %s store", name, m.Backend()))
	return nil
}

func runCredentialsDelete(cmd *cobra.Command, args []string) error {
	name, err := credentialName(args)
	if err != nil {
		return err
	}
	if err := credentialManager(appConfig.StateDir).Delete(name); err != nil {
		return err
	}
	ui.ShowSuccess("Deleted " + name)
	return nil
}
