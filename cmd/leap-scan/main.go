package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/leap"
	"golang.org/x/term"
)

var (
	scanTimeout time.Duration
	scanFormat  string
)

// rootCmd probes a list of already-paired bridges with the bridge's own
// LEAP /server/1/systemtype endpoint to report which are currently
// reachable. It is not a network discovery tool: LEAP has no broadcast or
// mDNS presence in the retrieved example pack, so every host must be
// already known (and paired) to be probed.
var rootCmd = &cobra.Command{
	Use:   "leap-scan <host> [host...]",
	Short: "Probe a list of paired Lutron bridges for reachability",
	Long: `leap-scan opens a short-lived LEAP connection to each given host and
reads /server/1/systemtype, reporting whether the bridge answered and
which flavor it identified as.

Every host must already be paired (see lap-pair); this is a reachability
probe, not a discovery mechanism.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.Flags().DurationVarP(&scanTimeout, "timeout", "t", 5*time.Second, "Per-host connect+probe timeout")
	rootCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

type probeResult struct {
	Host      string `json:"host"`
	Reachable bool   `json:"reachable"`
	Flavor    string `json:"flavor,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format %q: must be table or json", scanFormat)
	}

	results := make([]probeResult, len(args))
	var wg sync.WaitGroup
	for i, host := range args {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			results[i] = probeHost(host, scanTimeout)
		}(i, host)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Host < results[j].Host })

	if scanFormat == "json" {
		return printJSON(results)
	}
	printTable(results)
	return nil
}

func probeHost(host string, timeout time.Duration) probeResult {
	cfg := leap.DefaultConfig(host)
	caPath, certPath, keyPath := cfg.CredentialPaths()

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return probeResult{Host: host, Error: "not paired: " + err.Error()}
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return probeResult{Host: host, Error: "not paired: " + err.Error()}
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return probeResult{Host: host, Error: "not paired: " + err.Error()}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return probeResult{Host: host, Error: err.Error()}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return probeResult{Host: host, Error: "invalid CA certificate on disk"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	quietLogger := cfg.NewLogger()
	quietLogger.SetLevel(logrus.WarnLevel) // a probe run against many hosts should not spam info-level connect logs
	conn, err := leap.OpenConnection(ctx, host, cfg.OperationsPort, cert, pool, timeout, cfg.ReadBufferFloor, quietLogger)
	if err != nil {
		return probeResult{Host: host, Error: err.Error()}
	}
	defer conn.Close()

	req := leap.NewRequester(conn, timeout, quietLogger)
	resp, err := req.Do(ctx, "ReadRequest", "/server/1/systemtype", nil)
	if err != nil {
		return probeResult{Host: host, Error: err.Error()}
	}
	var body struct {
		SystemType string `json:"SystemType"`
	}
	flavor := string(resp.Body)
	if json.Unmarshal(resp.Body, &body) == nil && body.SystemType != "" {
		flavor = body.SystemType
	}
	return probeResult{Host: host, Reachable: true, Flavor: flavor}
}

func printTable(results []probeResult) {
	useColor := term.IsTerminal(int(os.Stdout.Fd()))
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tREACHABLE\tDETAIL")
	for _, r := range results {
		status := "no"
		detail := r.Error
		if r.Reachable {
			status = "yes"
			detail = r.Flavor
		}
		if useColor && r.Reachable {
			green.Fprintf(w, "%s\t%s\t%s\n", r.Host, status, detail)
		} else if useColor {
			red.Fprintf(w, "%s\t%s\t%s\n", r.Host, status, detail)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Host, status, detail)
		}
	}
	w.Flush()
}

func printJSON(results []probeResult) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
