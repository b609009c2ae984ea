package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/leap"
)

var (
	communiqueType string
	requestBody    string
	verbose        bool
	configPath     string
)

// rootCmd sends a single LEAP request to a paired bridge and prints the
// raw response body, for debugging and scripting against an already-paired
// bridge without going through the full Bridge lifecycle.
var rootCmd = &cobra.Command{
	Use:   "leap <host>/<path>",
	Short: "Send one LEAP request and print the response",
	Long: `leap sends a single request over an already-paired LEAP connection and
prints the response body as JSON.

Example:
  leap -X ReadRequest 192.0.2.5/device
  leap -X CreateRequest -d '{"Command":{"CommandType":"GoToLevel","Parameter":[{"Type":"Level","Value":50}]}}' 192.0.2.5/zone/1/commandprocessor

Credentials must already exist for the host (see lap-pair).`,
	Args: cobra.ExactArgs(1),
	RunE: runOneShot,
}

func init() {
	rootCmd.Flags().StringVarP(&communiqueType, "communique-type", "X", "ReadRequest", "CommuniqueType to send (ReadRequest, CreateRequest, SubscribeRequest, ...)")
	rootCmd.Flags().StringVarP(&requestBody, "data", "d", "", "Request body, as a raw JSON object")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().StringVar(&configPath, "config", "", "YAML config file (overrides defaults)")
}

func runOneShot(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	host, path, err := splitHostPath(args[0])
	if err != nil {
		return err
	}

	var cfg *leap.Config
	if configPath != "" {
		cfg, err = leap.LoadConfigFile(configPath, host)
	} else {
		cfg = leap.DefaultConfig(host)
	}
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logger.SetLevel(logrus.DebugLevel)
	}

	caPath, certPath, keyPath := cfg.CredentialPaths()
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return fmt.Errorf("read CA cert %q: %w (has this host been paired with lap-pair?)", caPath, err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("read client cert %q: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("read client key %q: %w", keyPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, req, err := dialOneShot(ctx, cfg, certPEM, keyPEM, caPEM)
	if err != nil {
		return err
	}
	defer conn.Close()

	var body any
	if requestBody != "" {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(requestBody), &raw); err != nil {
			return fmt.Errorf("invalid --data JSON: %w", err)
		}
		body = raw
	}

	resp, err := req.Do(ctx, communiqueType, path, body)
	if err != nil {
		if errors.Is(err, leap.ErrConnectionClosed) {
			return fmt.Errorf("connection closed before a response arrived: %w", err)
		}
		return err
	}

	out, err := json.MarshalIndent(json.RawMessage(resp.Body), "", "  ")
	if err != nil {
		fmt.Println(string(resp.Body))
		return nil
	}
	fmt.Println(string(out))
	return nil
}

func splitHostPath(arg string) (host, path string, err error) {
	idx := strings.Index(arg, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("expected <host>/<path>, got %q", arg)
	}
	host = arg[:idx]
	path = arg[idx:]
	if host == "" || path == "" {
		return "", "", fmt.Errorf("expected <host>/<path>, got %q", arg)
	}
	return host, path, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
