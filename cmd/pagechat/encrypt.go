package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pagechat/internal/domain"
	"pagechat/internal/infra/config"
)

var encryptForSettings bool

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a secret read from stdin",
	Long: `Encrypt a secret for the config file (gateway.secret) or, with --settings,
for the settings file (credential). The passphrase comes from
PAGECHAT_CONFIG_KEY or PAGECHAT_SETTINGS_KEY respectively. Paste the printed
"enc:..." value into the file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		env := config.ConfigKeyEnv
		if encryptForSettings {
			env = config.SettingsKeyEnv
		}
		out, err := encryptSecret(cmd.InOrStdin(), os.Getenv(env), env)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	encryptCmd.Flags().BoolVar(&encryptForSettings, "settings", false, "use the settings passphrase")
}

func encryptSecret(in io.Reader, passphrase, env string) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("%w: %s is not set", domain.ErrInvalidInput, env)
	}
	secret, err := readLine(in)
	if err != nil {
		return "", err
	}
	enc, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return "", err
	}
	return config.EncryptedPrefix + enc, nil
}

// readLine reads one trimmed, non-empty line.
func readLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("%w: empty input", domain.ErrInvalidInput)
	}
	return line, nil
}
