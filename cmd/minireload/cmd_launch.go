package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"minireload/internal/boundary"
	"minireload/internal/invoke"

	"github.com/spf13/cobra"
)

var (
	launchHandler string
	launchPolicy  string
)

// launchCmd drives a method of a long-lived instance
var launchCmd = &cobra.Command{
	Use:   "launch FILE TYPE METHOD",
	Short: "Build an instance of TYPE and call METHOD on it forever",
	Long: `Builds an instance of TYPE declared in FILE (via NewTYPE when it exists) and
calls METHOD on it in a loop. When FILE changes, a new instance is built from
the new code; with the preserve policy its fields are copied over from the
old one. Failures go to the --handler method when TYPE declares it.

Example:
  minireload launch ./game.go Game Tick --handler OnError`,
	Args: cobra.ExactArgs(3),
	RunE: runLaunch,
}

func init() {
	launchCmd.Flags().StringVar(&launchHandler, "handler", "", "Method of TYPE that receives failures")
	launchCmd.Flags().StringVar(&launchPolicy, "policy", "", "Instance policy on reload: preserve or reinstantiate")
}

func runLaunch(cmd *cobra.Command, args []string) error {
	switch invoke.Policy(launchPolicy) {
	case "", invoke.PolicyPreserve, invoke.PolicyReinstantiate:
	default:
		return fmt.Errorf("invalid --policy %q (valid: preserve, reinstantiate)", launchPolicy)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, closeEngine, err := openEngine(ctx, args[0])
	if err != nil {
		return err
	}
	defer closeEngine()

	opts := appConfig.LaunchOptions()
	if launchHandler != "" {
		opts.HandlerMethod = launchHandler
	}
	if launchPolicy != "" {
		opts.Policy = invoke.Policy(launchPolicy)
	}
	out := cmd.ErrOrStderr()
	opts.Handler = func(info *boundary.ErrorInfo) {
		fmt.Fprintln(out, awfulStyle.Render("Everything is awful:"), info.Error())
	}

	return invoke.Launch(ctx, eng, args[0], args[1], args[2], opts)
}
