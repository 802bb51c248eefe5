package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pagechat/internal/adapter/settings"
	"pagechat/internal/domain"
	"pagechat/internal/infra/logger"
)

var (
	setCredentialStdin bool
	setVoice           string
	setRate            float64
	setPitch           float64
	setAutoSave        bool
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the broker's user settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings (the credential is never shown)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, store, err := openSettings(cmd)
		if err != nil {
			return err
		}
		defer rt.close()
		st, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		printSettings(cmd.OutOrStdout(), store.Path(), st.View())
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change settings; unspecified fields keep their values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, store, err := openSettings(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		st, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		if setCredentialStdin {
			cred, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			st.Credential = cred
		}
		flags := cmd.Flags()
		if flags.Changed("voice") {
			st.VoiceID = setVoice
		}
		if flags.Changed("rate") {
			st.SpeechRate = setRate
		}
		if flags.Changed("pitch") {
			st.SpeechPitch = setPitch
		}
		if flags.Changed("auto-save") {
			v := setAutoSave
			st.AutoSaveExchanges = &v
		}
		if err := store.Save(cmd.Context(), st); err != nil {
			return err
		}
		printSettings(cmd.OutOrStdout(), store.Path(), st.View())
		return nil
	},
}

func init() {
	f := settingsSetCmd.Flags()
	f.BoolVar(&setCredentialStdin, "credential-stdin", false, "read the API credential from stdin")
	f.StringVar(&setVoice, "voice", "", "speech voice id")
	f.Float64Var(&setRate, "rate", 1.0, "speech rate (1.0 is normal)")
	f.Float64Var(&setPitch, "pitch", 1.0, "speech pitch (1.0 is normal)")
	f.BoolVar(&setAutoSave, "auto-save", true, "save every completed answer to history")

	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
}

func openSettings(cmd *cobra.Command) (*runtime, *settings.FileStore, error) {
	rt, err := setup(cmd.Context(), false)
	if err != nil {
		return nil, nil, err
	}
	return rt, settings.NewFileStore(rt.cfg.Settings.Path, logger.ForRole(rt.logger, "settings")), nil
}

func printSettings(w io.Writer, path string, v domain.SettingsView) {
	cred := "missing"
	if v.HasCredential {
		cred = "set"
	}
	voice := v.VoiceID
	if voice == "" {
		voice = "(default)"
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("file:"), path)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("credential:"), cred)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("voice:"), voice)
	fmt.Fprintf(w, "%s %.2f\n", labelStyle.Render("rate:"), v.SpeechRate)
	fmt.Fprintf(w, "%s %.2f\n", labelStyle.Render("pitch:"), v.SpeechPitch)
	fmt.Fprintf(w, "%s %t\n", labelStyle.Render("auto-save:"), v.AutoSaveExchanges)
}
