package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/warden/users"
)

var (
	flagUsername string
	flagPassword string
	flagRole     string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user account",
	Long: `Create a user account directly in storage. This is how the first
Admin is bootstrapped. Pass --password - to read the password from stdin.
Without --password the password is prompted for when stdin is a terminal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := users.ParseRole(flagRole)
		if err != nil {
			return err
		}
		password := flagPassword
		switch password {
		case "-":
			if password, err = readPassword(cmd.InOrStdin()); err != nil {
				return err
			}
		case "":
			if password, err = promptPassword(cmd.ErrOrStderr()); err != nil {
				return err
			}
		}

		c, err := openCore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("storage not ready: %w", err)
		}
		defer c.close()

		rec, err := c.users.Create(cmd.Context(), flagUsername, password, role)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", rec.Username, rec.Role)
		return nil
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a user account as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("storage not ready: %w", err)
		}
		defer c.close()

		rec, err := c.users.Get(cmd.Context(), flagUsername)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Test seams for the terminal.
var (
	stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	readTerminal    = term.ReadPassword
)

func promptPassword(w io.Writer) (string, error) {
	if !stdinIsTerminal() {
		return "", errors.New("--password is required when stdin is not a terminal")
	}
	fmt.Fprint(w, "Password: ")
	pw, err := readTerminal(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd, userShowCmd)

	userCreateCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "Username")
	userCreateCmd.Flags().StringVar(&flagPassword, "password", "", "Password, or - to read it from stdin; prompted for when omitted")
	userCreateCmd.Flags().StringVarP(&flagRole, "role", "r", "Viewer", "Role: Admin, Editor or Viewer")
	userCreateCmd.MarkFlagRequired("username")

	userShowCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "Username")
	userShowCmd.MarkFlagRequired("username")
}
