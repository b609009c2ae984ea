package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/leap"
)

var (
	pairHost          string
	pairCertPath      string
	pairKeyPath       string
	pairCAPath        string
	pairOutDir        string
	pairButtonTimeout time.Duration
	pairVerbose       bool
)

// rootCmd pairs with a Lutron bridge over LAP and writes the signed client
// certificate, key and bridge CA to disk (§4.2, §6).
var rootCmd = &cobra.Command{
	Use:   "lap-pair <bridge-ip>",
	Short: "Pair with a Lutron bridge and save LEAP client credentials",
	Long: `Pairs with a Lutron Caséta, RA2 Select, RA3 or HomeWorks QSX bridge over
the LAP pairing protocol (port 8083) and writes the three credential files
a leap.Bridge needs to connect: "<host>-bridge.crt", "<host>.crt" and
"<host>.key".

Pairing requires the shared bootstrap identity (--bootstrap-cert,
--bootstrap-key, --bootstrap-ca) and physical access to the bridge: the
bridge's pairing button must be pressed within the button timeout after
this command prints "press the pairing button".`,
	Args: cobra.ExactArgs(1),
	RunE: runPair,
}

func init() {
	rootCmd.Flags().StringVar(&pairCertPath, "bootstrap-cert", "", "PEM file with the shared LAP bootstrap certificate (required)")
	rootCmd.Flags().StringVar(&pairKeyPath, "bootstrap-key", "", "PEM file with the shared LAP bootstrap private key (required)")
	rootCmd.Flags().StringVar(&pairCAPath, "bootstrap-ca", "", "PEM file with the shared LAP bootstrap CA certificate (required)")
	rootCmd.Flags().StringVar(&pairOutDir, "cert-dir", "", "Directory to write credential files to (default: config default cert dir)")
	rootCmd.Flags().DurationVar(&pairButtonTimeout, "button-timeout", 60*time.Second, "How long to wait for the physical button press (minimum 60s)")
	rootCmd.Flags().BoolVarP(&pairVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.MarkFlagRequired("bootstrap-cert")
	rootCmd.MarkFlagRequired("bootstrap-key")
	rootCmd.MarkFlagRequired("bootstrap-ca")
}

func runPair(cmd *cobra.Command, args []string) error {
	pairHost = args[0]
	cmd.SilenceUsage = true

	certPEM, err := os.ReadFile(pairCertPath)
	if err != nil {
		return fmt.Errorf("read bootstrap cert: %w", err)
	}
	keyPEM, err := os.ReadFile(pairKeyPath)
	if err != nil {
		return fmt.Errorf("read bootstrap key: %w", err)
	}
	caPEM, err := os.ReadFile(pairCAPath)
	if err != nil {
		return fmt.Errorf("read bootstrap ca: %w", err)
	}
	leap.SetBootstrapCredentials(leap.BootstrapCredentials{CertPEM: certPEM, KeyPEM: keyPEM, CAPEM: caPEM})

	cfg := leap.DefaultConfig(pairHost)
	if pairVerbose {
		cfg.Logger.SetLevel(logrus.DebugLevel)
	}
	outDir := pairOutDir
	if outDir == "" {
		outDir = cfg.CertDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cfg.Logger.Info("leap: received interrupt, aborting pairing")
		cancel()
	}()

	result, err := leap.Pair(ctx, leap.PairOptions{
		Host:          pairHost,
		ButtonTimeout: pairButtonTimeout,
		Logger:        cfg.Logger,
		Ready: func() {
			fmt.Println("Press the pairing button on the bridge now...")
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if leap.IsPairingFailure(err, leap.PairingTimeout) {
			return fmt.Errorf("pairing failed: button was not pressed in time: %w", err)
		}
		return fmt.Errorf("pairing failed: %w", err)
	}

	if err := leap.SaveCredentials(outDir, pairHost, result); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	fmt.Printf("Paired with %s; credentials written to %s\n", pairHost, outDir)
	return nil
}

// Exit codes per the pairing CLI's documented contract: 0 success, 1
// timeout, 2 rejection, 3 any other (transport) failure.
func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
	switch {
	case leap.IsPairingFailure(err, leap.PairingTimeout):
		os.Exit(1)
	case leap.IsPairingFailure(err, leap.PairingRejected):
		os.Exit(2)
	default:
		os.Exit(3)
	}
}
