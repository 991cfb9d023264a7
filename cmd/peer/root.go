package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/Huddle/internal/config"
)

var clientViper = config.NewClientViper()

var rootCmd = &cobra.Command{
	Use:   "huddle-peer",
	Short: "Headless Huddle room participant",
	Long: `huddle-peer joins a Huddle room, sends generated audio/video and keeps a
WebRTC connection to every other member that has media ready.

Examples:
  huddle-peer --room standup --name bot
  huddle-peer --server ws://rooms.local:8080/api/ws/signal --room r1 --name cam --video
  huddle-peer --room r1 --name bot --retry-after 20s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	fs := rootCmd.Flags()
	fs.String("server", "", "signaling websocket URL")
	fs.String("room", "", "room to join")
	fs.String("name", "", "display name")
	fs.Bool("audio", true, "send audio")
	fs.Bool("video", false, "send video")
	fs.StringSlice("stun", nil, "STUN server URLs")
	fs.Duration("retry-after", 0, "retry all connections after this long with no connected peer (0 disables)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	bindFlags(clientViper, fs)
}

// bindFlags maps command-line flags onto config keys so flags override the
// file and the environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	keys := map[string]string{
		"server":      "server_url",
		"room":        "room",
		"name":        "name",
		"audio":       "audio",
		"video":       "video",
		"stun":        "stun_urls",
		"retry-after": "stall_after",
		"log-level":   "log_level",
	}
	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func Execute() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
