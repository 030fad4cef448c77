package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (default $YUIM_PASSWORD, then stdin)")
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}

func readPassword(cmd *cobra.Command) (string, error) {
	if loginPassword != "" {
		return loginPassword, nil
	}
	if p := os.Getenv("YUIM_PASSWORD"); p != "" {
		return p, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no password given")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Log in and store the token pair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || uid <= 0 {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		pw, err := readPassword(cmd)
		if err != nil {
			return err
		}
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Login(cmd.Context(), uid, pw); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %d\n", uid)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the session and forget the tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if !s.LoggedIn() {
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
			return nil
		}
		if err := s.Logout(cmd.Context()); err != nil {
			// tokens are gone locally either way
			fmt.Fprintf(cmd.ErrOrStderr(), "server logout failed: %v\n", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the logged in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		p := s.Tokens().Get()
		if p.Empty() {
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in. Run 'im-client login <user-id>'.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %d", p.UserID)
		if !p.ExpiresAt.IsZero() {
			fmt.Fprintf(cmd.OutOrStdout(), ", access token expires %s", p.ExpiresAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}
